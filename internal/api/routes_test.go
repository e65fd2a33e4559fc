package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestRequest(t *testing.T, authHeader, tokenQuery string) *http.Request {
	t.Helper()
	url := "/api/w/ws/jobs/run/f/main"
	if tokenQuery != "" {
		url += "?token=" + tokenQuery
	}
	r := httptest.NewRequest(http.MethodPost, url, nil)
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	return r
}

func sign(secret, jobID, resumeID, approver, flowLevel string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(jobID))
	mac.Write([]byte(resumeID))
	mac.Write([]byte(approver))
	mac.Write([]byte(flowLevel))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyResumeSignatureAccepts(t *testing.T) {
	sig := sign("top-secret", "job-1", "resume-1", "alice", "0")
	assert.True(t, verifyResumeSignature("top-secret", "job-1", "resume-1", "alice", "0", sig))
}

func TestVerifyResumeSignatureRejectsWrongSecret(t *testing.T) {
	sig := sign("top-secret", "job-1", "resume-1", "alice", "0")
	assert.False(t, verifyResumeSignature("other-secret", "job-1", "resume-1", "alice", "0", sig))
}

func TestVerifyResumeSignatureRejectsTamperedField(t *testing.T) {
	sig := sign("top-secret", "job-1", "resume-1", "alice", "0")
	assert.False(t, verifyResumeSignature("top-secret", "job-1", "resume-1", "mallory", "0", sig))
}

func TestBearerTokenFromHeaderAndQuery(t *testing.T) {
	r := newTestRequest(t, "Bearer abc123", "")
	assert.Equal(t, "abc123", bearerToken(r))

	r2 := newTestRequest(t, "", "xyz789")
	assert.Equal(t, "xyz789", bearerToken(r2))
}
