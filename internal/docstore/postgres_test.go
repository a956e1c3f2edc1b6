package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildWhereSearchMatchesLiterally(t *testing.T) {
	where, args := buildWhere(CollectionForms, []Filter{
		Eq("workspaceId", "w1"),
		Search("title", " 50%_off\\ "),
		Search("id", "frm_"),
	})

	assert.Equal(t,
		`collection = $1 AND data @> $2::jsonb AND data->>($3::text) ILIKE $4 ESCAPE '\' AND id ILIKE $5 ESCAPE '\'`,
		where)
	assert.Equal(t, []any{
		CollectionForms,
		`{"workspaceId":"w1"}`,
		"title",
		`%50\%\_off\\%`,
		`%frm\_%`,
	}, args)
}

func TestContainsPattern(t *testing.T) {
	tests := []struct {
		term string
		want string
	}{
		{"feedback", "%feedback%"},
		{"50%", `%50\%%`},
		{"a_b", `%a\_b%`},
		{`c:\tmp`, `%c:\\tmp%`},
		{"", "%%"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, containsPattern(tt.term), tt.term)
	}
}
