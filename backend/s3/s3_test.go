package s3_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/vfs/backend/s3"
	"github.com/meigma/vfs/core"
)

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want error
	}{
		{"wrong scheme", "mem:///x", core.ErrUnknownScheme},
		{"missing endpoint", "s3://k:s@/bucket", core.ErrMalformedAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			addr, err := core.DefaultRegistry().Parse(tt.text)
			require.NoError(t, err)
			_, err = s3.New().Resolve(context.Background(), addr)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolve_NoRequest(t *testing.T) {
	t.Parallel()

	addr, err := core.DefaultRegistry().Parse("s3://key:secret@127.0.0.1:1/bucket/a/b.txt")
	require.NoError(t, err)
	r, err := s3.New(s3.WithSecure(false)).Resolve(context.Background(), addr)
	require.NoError(t, err)
	require.True(t, r.Address().Equal(addr))

	child, err := r.Child("c")
	require.NoError(t, err)
	require.Equal(t, "s3://key@127.0.0.1:1/bucket/a/b.txt/c", child.Address().String())
}
