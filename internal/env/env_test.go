package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge_Precedence(t *testing.T) {
	e := New()
	e.FromList([]string{"A=base", "B=base", "PATH=/bin"})
	e.Set("B", "global")
	e.Set("C", "global")

	out := e.Merge(map[string]string{"C": "proc", "D": "${PATH}:/opt/bin"})
	assert.Equal(t, []string{
		"A=base",
		"B=global",
		"C=proc",
		"D=/bin:/opt/bin",
		"PATH=/bin",
	}, out)
}

func TestMerge_UnknownVarsLeftAlone(t *testing.T) {
	e := New()
	e.FromList(nil)
	out := e.Merge(map[string]string{"X": "${NOPE}-$PLAIN-${"})
	assert.Equal(t, []string{"X=${NOPE}-$PLAIN-${"}, out)
}

func TestFromOS(t *testing.T) {
	t.Setenv("PSY_ENV_TEST", "yes")
	e := New()
	out := e.Merge(nil)
	assert.Contains(t, out, "PSY_ENV_TEST=yes")
}
