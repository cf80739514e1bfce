package account

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudboss/metaboot/pkg/cloudconfig"
	"github.com/cloudboss/metaboot/pkg/constants"
)

const (
	testPasswd = "root:x:0:0:root:/root:/bin/sh\n" +
		"debian:x:1000:1000:debian:/home/debian:/bin/bash\n"
	testShadow = "root:*:19000:0:99999:7:::\n" +
		"debian:!:19000:0:99999:7:::\n"
)

// 2024-01-02 is day 19724 since the epoch.
var testNow = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

func accountSetup(t *testing.T, passwd, shadow *string, baseDir string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if passwd != nil {
		fileEtcPasswd := filepath.Join(baseDir, constants.FileEtcPasswd)
		require.NoError(t, afero.WriteFile(fs, fileEtcPasswd, []byte(*passwd), constants.ModeEtcPasswd))
	}
	if shadow != nil {
		fileEtcShadow := filepath.Join(baseDir, constants.FileEtcShadow)
		require.NoError(t, afero.WriteFile(fs, fileEtcShadow, []byte(*shadow), constants.ModeEtcShadow))
	}
	return fs
}

func testOptions(baseDir, user string) Options {
	return Options{
		BaseDir:   baseDir,
		LoginUser: user,
		Clock:     testclock.NewClock(testNow),
		HashCost:  bcrypt.MinCost,
	}
}

func shadowEntry(t *testing.T, fs afero.Fs, baseDir, username string) *ShadowEntry {
	t.Helper()
	entries, _, err := ParseShadow(fs, filepath.Join(baseDir, constants.FileEtcShadow))
	require.NoError(t, err)
	entry, ok := entries[username]
	require.True(t, ok)
	return entry
}

func Test_ShadowEntry_String(t *testing.T) {
	entry := ShadowEntry{
		Username:         "root",
		Password:         "*",
		LastChange:       19000,
		MinAge:           0,
		MaxAge:           99999,
		WarningPeriod:    7,
		InactivityPeriod: -1,
		Expiration:       -1,
	}
	assert.Equal(t, "root:*:19000:0:99999:7:::", entry.String())
}

func Test_ParseShadow(t *testing.T) {
	testCases := []struct {
		description string
		shadow      string
		result      []*ShadowEntry
		fails       bool
	}{
		{
			description: "Empty fields",
			shadow:      "root::::::::\n",
			result: []*ShadowEntry{
				{
					Username:         "root",
					LastChange:       -1,
					MinAge:           -1,
					MaxAge:           -1,
					WarningPeriod:    -1,
					InactivityPeriod: -1,
					Expiration:       -1,
				},
			},
		},
		{
			description: "Blank lines are skipped",
			shadow:      "root:*:19000:0:99999:7:::\n\n",
			result: []*ShadowEntry{
				{
					Username:         "root",
					Password:         "*",
					LastChange:       19000,
					MinAge:           0,
					MaxAge:           99999,
					WarningPeriod:    7,
					InactivityPeriod: -1,
					Expiration:       -1,
				},
			},
		},
		{
			description: "Wrong number of fields",
			shadow:      "root:*:19000\n",
			fails:       true,
		},
		{
			description: "Non-numeric field",
			shadow:      "root:*:abc:0:99999:7:::\n",
			fails:       true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			fs := accountSetup(t, nil, &tc.shadow, "")
			_, list, err := ParseShadow(fs, constants.FileEtcShadow)
			if tc.fails {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.result, list)
		})
	}
}

func Test_SetPassword(t *testing.T) {
	testCases := []struct {
		description string
		baseDir     string
		passwd      *string
		shadow      *string
		username    string
		expire      bool
		lastChange  int
		entries     int
		err         error
		fails       bool
	}{
		{
			description: "Existing entry without expiry",
			passwd:      p(testPasswd),
			shadow:      p(testShadow),
			username:    "root",
			lastChange:  19724,
			entries:     2,
		},
		{
			description: "Existing entry with expiry",
			baseDir:     "/mnt",
			passwd:      p(testPasswd),
			shadow:      p(testShadow),
			username:    "debian",
			expire:      true,
			lastChange:  0,
			entries:     2,
		},
		{
			description: "Missing shadow entry",
			passwd:      p(testPasswd),
			shadow:      p("root:*:19000:0:99999:7:::\n"),
			username:    "debian",
			lastChange:  19724,
			entries:     2,
		},
		{
			description: "Missing shadow file",
			passwd:      p(testPasswd),
			username:    "root",
			lastChange:  19724,
			entries:     1,
		},
		{
			description: "Unknown user",
			passwd:      p(testPasswd),
			shadow:      p(testShadow),
			username:    "alpine",
			err:         ErrUserNotFound,
		},
		{
			description: "Empty username",
			username:    "",
			err:         ErrUsernameLength,
		},
		{
			description: "Missing passwd file",
			username:    "root",
			fails:       true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			fs := accountSetup(t, tc.passwd, tc.shadow, tc.baseDir)
			opts := testOptions(tc.baseDir, tc.username)

			err := SetPassword(fs, tc.username, "hunter2", tc.expire, opts)
			if tc.fails {
				assert.Error(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
			if tc.err != nil {
				return
			}

			entry := shadowEntry(t, fs, tc.baseDir, tc.username)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(entry.Password), []byte("hunter2")))
			assert.Equal(t, tc.lastChange, entry.LastChange)

			_, list, err := ParseShadow(fs, filepath.Join(tc.baseDir, constants.FileEtcShadow))
			require.NoError(t, err)
			assert.Len(t, list, tc.entries)

			stat, err := fs.Stat(filepath.Join(tc.baseDir, constants.FileEtcShadow))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(constants.ModeEtcShadow), stat.Mode().Perm())
		})
	}
}

func Test_SetSSHPasswordAuth(t *testing.T) {
	testCases := []struct {
		description string
		enabled     bool
		result      string
	}{
		{
			description: "Enabled",
			enabled:     true,
			result:      "PasswordAuthentication yes\n",
		},
		{
			description: "Disabled",
			enabled:     false,
			result:      "PasswordAuthentication no\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, SetSSHPasswordAuth(fs, tc.enabled, "/mnt"))

			dropIn := filepath.Join("/mnt", constants.FileSSHDPasswordDropIn)
			b, err := afero.ReadFile(fs, dropIn)
			require.NoError(t, err)
			assert.Equal(t, tc.result, string(b))
		})
	}
}

func Test_Apply(t *testing.T) {
	testCases := []struct {
		description string
		cfg         *cloudconfig.Config
		lastChange  int
		dropIn      string
	}{
		{
			description: "Nil config changes nothing",
			lastChange:  19000,
		},
		{
			description: "Delivered password",
			cfg:         cloudconfig.ForPassword("hunter2"),
			lastChange:  19724,
			dropIn:      "PasswordAuthentication yes\n",
		},
		{
			description: "User data forces expiry and disables password login",
			cfg: &cloudconfig.Config{
				SSHPwauth: p(false),
				Password:  "hunter2",
			},
			lastChange: 0,
			dropIn:     "PasswordAuthentication no\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			fs := accountSetup(t, p(testPasswd), p(testShadow), "")

			err := Apply(fs, tc.cfg, testOptions("", ""))
			require.NoError(t, err)

			entry := shadowEntry(t, fs, "", "root")
			assert.Equal(t, tc.lastChange, entry.LastChange)
			if tc.cfg == nil {
				assert.Equal(t, "*", entry.Password)
			} else {
				assert.True(t, strings.HasPrefix(entry.Password, "$2a$"))
			}

			b, err := afero.ReadFile(fs, constants.FileSSHDPasswordDropIn)
			if len(tc.dropIn) == 0 {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.dropIn, string(b))
		})
	}
}

func p[T any](v T) *T {
	return &v
}
