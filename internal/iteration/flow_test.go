package iteration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

func TestBuildTeamFlow_FeedbackAlwaysLast(t *testing.T) {
	cases := [][]string{
		nil,
		{"UX", "Developer"},
		{"User Feedback", "UX", "Developer"},
		{"Developer", "user feedback", "UX", "QA"},
		{"UX", "UX", " ", "Developer", "User Feedback"},
	}
	for _, roles := range cases {
		flow := BuildTeamFlow(roles)
		require.NotEmpty(t, flow)
		assert.Equal(t, FeedbackRole, flow[len(flow)-1], "roles=%v", roles)
		n := 0
		for _, r := range flow {
			if isFeedbackRole(r) {
				n++
			}
		}
		assert.Equal(t, 1, n, "roles=%v", roles)
	}
	assert.Equal(t, []string{"UX", "Developer", "QA", FeedbackRole},
		BuildTeamFlow([]string{"Developer", "user feedback", "UX", "QA", "ux"}))
	assert.Equal(t, []string{"Product Designer", "QA", "Developer", "UX", FeedbackRole},
		BuildTeamFlow([]string{"QA", "Developer", "Product Designer", "UX"}))
	assert.Equal(t, []string{"QA", "Developer", FeedbackRole},
		BuildTeamFlow([]string{"QA", "Developer"}))
}

func TestClassifyRole(t *testing.T) {
	assert.Equal(t, ClassUX, ClassifyRole("UX"))
	assert.Equal(t, ClassUX, ClassifyRole("Product Designer"))
	assert.Equal(t, ClassDeveloper, ClassifyRole("Frontend Engineer"))
	assert.Equal(t, ClassDeveloper, ClassifyRole("Developer"))
	assert.Equal(t, ClassFeedback, ClassifyRole("user feedback"))
	assert.Equal(t, ClassGeneric, ClassifyRole("QA"))
	assert.Equal(t, "generic", ClassGeneric.String())
}

func TestRoster_MandatoryRoles(t *testing.T) {
	r := DefaultRoster()
	err := r.Remove("ux")
	assert.True(t, errors.Is(err, perrors.ErrMandatoryRole))

	require.NoError(t, r.Add(Role{Name: "QA"}))
	assert.Equal(t, []string{"UX", "Developer", "QA", FeedbackRole}, r.Flow())
	require.NoError(t, r.Remove("qa"))

	assert.True(t, errors.Is(r.Remove("Nobody"), perrors.ErrNotFound))
	assert.True(t, errors.Is(r.Add(Role{Name: "User Feedback"}), perrors.ErrInvalidInput))
	assert.True(t, errors.Is(r.Add(Role{Name: "developer"}), perrors.ErrInvalidInput))
}

func TestParseRoster_Normalises(t *testing.T) {
	r, err := ParseRoster([]byte(`
roles:
  - name: Product Manager
    instructions: Keep scope small.
  - name: User Feedback
  - name: Developer
  - name: product manager
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"UX", "Product Manager", "Developer"}, r.Names())
	dev, ok := r.Find("developer")
	require.True(t, ok)
	assert.True(t, dev.Mandatory)
	assert.Equal(t, map[string]string{"Product Manager": "Keep scope small."}, r.Instructions())
}

func TestLoadRoster(t *testing.T) {
	r, err := LoadRoster("")
	require.NoError(t, err)
	assert.Equal(t, []string{"UX", "Developer"}, r.Names())

	path := filepath.Join(t.TempDir(), "team.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  - name: QA\n"), 0o600))
	r, err = LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"UX", "Developer", "QA"}, r.Names())

	_, err = LoadRoster(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
