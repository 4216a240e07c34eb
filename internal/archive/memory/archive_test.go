package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutThreadStoresPayload(t *testing.T) {
	t.Parallel()
	a := NewArchive()

	uri, err := a.PutThread(context.Background(), "job-1", "p42", []byte(`{"post":{}}`))
	require.NoError(t, err)
	require.Equal(t, "mem://job-1/p42.json", uri)

	data, ok := a.Get("job-1", "p42")
	require.True(t, ok)
	require.JSONEq(t, `{"post":{}}`, string(data))
	require.Equal(t, 1, a.Len())

	_, err = a.PutThread(context.Background(), "", "p42", nil)
	require.Error(t, err)
}
