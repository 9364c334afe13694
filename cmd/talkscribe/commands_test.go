package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func execute(t *testing.T, in io.Reader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	if in == nil {
		in = strings.NewReader("")
	}
	rootCmd.SetIn(in)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func agentEnv(t *testing.T, verifyURL string) {
	t.Helper()
	t.Setenv("TALKSCRIBE_STATE_FILE", filepath.Join(t.TempDir(), "state.json"))
	t.Setenv("TALKSCRIBE_VERIFY_URL", verifyURL)
	t.Setenv("TALKSCRIBE_LOG_LEVEL", "disabled")
	t.Setenv("TALKSCRIBE_DECISION_PUBLIC_KEY", "")
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "TalkScribe 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = execute(t, nil, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestHashAdminKeyCmd(t *testing.T) {
	out, err := execute(t, nil, "hash-admin-key", "s3cret-admin")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret-admin")))

	out, err = execute(t, strings.NewReader("from-stdin\n"), "hash-admin-key")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("from-stdin")))

	_, err = execute(t, strings.NewReader("\n"), "hash-admin-key")
	assert.Error(t, err)
}

func TestCheckCmdAllowsFirstRunTrial(t *testing.T) {
	agentEnv(t, "http://127.0.0.1:1/verify")

	out, err := execute(t, nil, "check")
	require.NoError(t, err)
	assert.Equal(t, "allowed\n", out)
}

func TestStatusCmdPrintsServerStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.NotEmpty(t, req["deviceId"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"plan":"pro","trialDaysRemaining":0,"freeDailySecondsRemaining":0,"account":{"email":"a@example.com"}}`))
	}))
	defer srv.Close()
	agentEnv(t, srv.URL+"/verify")

	out, err := execute(t, nil, "status")
	require.NoError(t, err)

	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "pro", status["plan"])
	assert.Equal(t, map[string]any{"email": "a@example.com"}, status["account"])
}

func TestStatusCmdFailsWhenServerUnreachable(t *testing.T) {
	agentEnv(t, "http://127.0.0.1:1/verify")
	_, err := execute(t, nil, "status")
	assert.Error(t, err)
}

func TestAgentRejectsBadConfig(t *testing.T) {
	agentEnv(t, "not a url")
	_, err := execute(t, nil, "agent")
	assert.ErrorContains(t, err, "load config")
}
