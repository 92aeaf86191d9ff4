package lobby

import (
	"testing"

	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		norm, err := NormalizeCode(code)
		require.NoError(t, err)
		assert.Equal(t, code, norm)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestNormalizeCode(t *testing.T) {
	got, err := NormalizeCode(" ab12cd ")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", got)

	for _, bad := range []string{"", "ABC", "ABCDEFG", "AB-12C", "ÄBCDE"} {
		_, err := NormalizeCode(bad)
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}
}
