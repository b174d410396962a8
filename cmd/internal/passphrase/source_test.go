package passphrase

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeSource(env map[string]string, tty bool, typed string) (*Source, *int) {
	reads := 0
	s := NewSource(DefaultEnv, "wallet")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return tty }
	s.readSecret = func() ([]byte, error) {
		reads++
		if typed == "" {
			return nil, errors.New("no input")
		}
		return []byte(typed), nil
	}
	s.prompt = io.Discard
	return s, &reads
}

func TestEnvironmentTakesPrecedence(t *testing.T) {
	s, reads := fakeSource(map[string]string{DefaultEnv: "hunter2"}, true, "typed")
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", got)
	require.Zero(t, *reads)
}

func TestBlankEnvironmentRejected(t *testing.T) {
	s, _ := fakeSource(map[string]string{DefaultEnv: "  "}, true, "typed")
	_, err := s.Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestPromptIsCached(t *testing.T) {
	s, reads := fakeSource(nil, true, "typed")
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		require.NoError(t, err)
		require.Equal(t, "typed", got)
	}
	require.Equal(t, 1, *reads)
}

func TestNoTerminal(t *testing.T) {
	s, _ := fakeSource(nil, false, "")
	_, err := s.Get()
	require.ErrorContains(t, err, DefaultEnv)
}
