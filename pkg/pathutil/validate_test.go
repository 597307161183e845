package pathutil_test

import (
	"strings"
	"testing"

	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName_Valid(t *testing.T) {
	for _, name := range []string{"r0", "data-store", "pg_main.1", "web+db"} {
		assert.NoError(t, pathutil.ValidateName(name), name)
	}
}

func TestValidateName_Invalid(t *testing.T) {
	invalid := []string{
		"",
		".",
		"..",
		"a/b",
		`a\b`,
		"hello world",
		"tab\tname",
		"foo:bar",
		strings.Repeat("x", pathutil.MaxNameLen+1),
	}
	for _, name := range invalid {
		err := pathutil.ValidateName(name)
		require.Error(t, err, "%q", name)
		assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	}
}

func TestNormalizeName(t *testing.T) {
	// "e" + combining acute accent composes to a single code point.
	assert.Equal(t, "\u00e9", pathutil.NormalizeName("e\u0301"))
}

func TestValidateDevicePath(t *testing.T) {
	assert.NoError(t, pathutil.ValidateDevicePath("/dev/vg0/lv0"))
	assert.ErrorIs(t, pathutil.ValidateDevicePath(""), errclass.ErrInvalidRequest)
	assert.ErrorIs(t, pathutil.ValidateDevicePath("dev/sdb"), errclass.ErrInvalidRequest)
	assert.ErrorIs(t, pathutil.ValidateDevicePath("/dev/../dev/sdb"), errclass.ErrInvalidRequest)
}
