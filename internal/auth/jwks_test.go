package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSecretJWKSProducesSingleKeySet(t *testing.T) {
	src := StaticSecretJWKS("workspace-signing-secret")
	set, err := src(context.Background(), "any-workspace")
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestStaticSecretJWKSIgnoresWorkspaceID(t *testing.T) {
	src := StaticSecretJWKS("same-secret")
	setA, err := src(context.Background(), "ws-a")
	require.NoError(t, err)
	setB, err := src(context.Background(), "ws-b")
	require.NoError(t, err)
	assert.Equal(t, setA.Len(), setB.Len())
}
