package platform_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/engine/platform"
	"github.com/loopcast/loopcast/engine/platform/platformtest"
)

func TestRegistryCollision(t *testing.T) {
	reg := platform.NewRegistry()
	require.NoError(t, reg.Register(&platformtest.Adapter{Platform: "youtube"}))
	err := reg.Register(&platformtest.Adapter{Platform: "youtube"})
	require.Error(t, err, "second adapter for the same platform must be rejected")
	require.Equal(t, []string{"youtube"}, reg.IDs())
}

func TestRegistryDisableEnable(t *testing.T) {
	reg := platform.NewRegistry()
	require.NoError(t, reg.Register(&platformtest.Adapter{Platform: "tiktok"}))

	_, err := reg.Resolve("tiktok")
	require.NoError(t, err)

	reg.Disable("tiktok", "token expired")
	require.True(t, reg.Disabled("tiktok"))
	_, err = reg.Resolve("tiktok")
	require.Error(t, err)

	reg.Enable("tiktok")
	_, err = reg.Resolve("tiktok")
	require.NoError(t, err)
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := platform.NewRegistry()
	_, err := reg.Resolve("nope")
	require.Error(t, err)
}

func TestClassOf(t *testing.T) {
	base := errors.New("boom")
	require.Equal(t, platform.ClassTransient, platform.ClassOf(platform.Transient("x", "publish", base)))
	require.Equal(t, platform.ClassPermanent, platform.ClassOf(platform.Permanent("x", "publish", base)))
	require.Equal(t, platform.ClassAuthExpired, platform.ClassOf(platform.AuthExpired("x", "publish", base)))
	// Unclassified errors default to permanent.
	require.Equal(t, platform.ClassPermanent, platform.ClassOf(base))
	// Wrapped classified errors keep their class.
	wrapped := errors.Join(errors.New("outer"), platform.Transient("x", "publish", base))
	require.Equal(t, platform.ClassTransient, platform.ClassOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("rate limited")
	err := platform.Transient("youtube", "publish", base)
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "youtube")
	require.Contains(t, err.Error(), "transient")
}
