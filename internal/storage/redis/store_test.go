package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStore_ResetKeys(t *testing.T) {
	s := NewWithClient(nil, "p")

	assert.Equal(t,
		[]string{"p:sessions", "p:sessions:active", "p:gamestates", "p:events"},
		s.collectionKeys())

	tests := []struct {
		name       string
		sessionIDs []string
		historyIDs []string
		want       []string
	}{
		{
			name: "empty store",
			want: []string{},
		},
		{
			name:       "history keys of every session are included",
			sessionIDs: []string{"a", "b"},
			historyIDs: []string{"a", "b"},
			want:       []string{"p:session:a", "p:session:b", "p:gamestates:a", "p:gamestates:b"},
		},
		{
			name:       "history without a session row",
			historyIDs: []string{"orphan"},
			want:       []string{"p:gamestates:orphan"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.sessionScopedKeys(tt.sessionIDs, tt.historyIDs))
		})
	}
}

func TestNewWithClient_DefaultPrefix(t *testing.T) {
	s := NewWithClient(nil, "")
	assert.Equal(t, "portfolio:gamestates:x", s.gameStatesKey("x"))
}
