package keypool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	t.Run("AssignsStableIDs", func(t *testing.T) {
		s, err := NewStore([]Credential{{Secret: "AIzaSy-example-key-one"}})
		require.NoError(t, err)

		creds := s.All()
		require.Len(t, creds, 1)
		require.Equal(t, CredentialID("AIzaSy-example-key-one"), creds[0].ID)
		require.Len(t, creds[0].ID, 16)
		require.NotEmpty(t, creds[0].Label)
	})

	t.Run("RejectsDuplicateSecrets", func(t *testing.T) {
		_, err := NewStore([]Credential{
			{Secret: "AIzaSy-example-key-one"},
			{Secret: "AIzaSy-example-key-one"},
		})
		require.Error(t, err)
	})

	t.Run("RejectsEmpty", func(t *testing.T) {
		_, err := NewStore(nil)
		require.Error(t, err)

		_, err = NewStore([]Credential{{Secret: "   "}})
		require.Error(t, err)
	})
}

func TestPreview(t *testing.T) {
	c := Credential{Secret: "AIzaSy-example-key-one"}
	require.Equal(t, "...ey-one", c.Preview())

	short := Credential{Secret: "abc"}
	require.Equal(t, "...", short.Preview())
}

func TestForModel(t *testing.T) {
	s, err := NewStore([]Credential{
		{Secret: "AIzaSy-example-key-one", Models: []string{"gemini-2.5-pro"}},
		{Secret: "AIzaSy-example-key-two"},
	})
	require.NoError(t, err)

	require.Len(t, s.ForModel("gemini-2.5-pro"), 2)
	require.Len(t, s.ForModel("gemini-2.5-flash"), 1)
}

func TestLoadFile(t *testing.T) {
	t.Run("ParsesKeys", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
keys:
  - label: alice@example.com
    secret: AIzaSy-example-key-one
    project: project-one
    models: [gemini-2.5-pro]
  - secret: AIzaSy-example-key-two
`), 0o600))

		s, err := LoadFile(path)
		require.NoError(t, err)
		require.Equal(t, 2, s.Len())

		creds := s.All()
		require.Equal(t, "alice@example.com", creds[0].Label)
		require.Equal(t, "project-one", creds[0].ScopeID)
		require.Equal(t, []string{"gemini-2.5-pro"}, creds[0].Models)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := LoadFile("  ")
		require.Error(t, err)
	})
}
