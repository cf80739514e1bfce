// Package account applies the cloud-config produced at boot to the local
// system: the login user's password in /etc/shadow and the sshd setting for
// password authentication.
package account

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"

	"github.com/cloudboss/metaboot/pkg/cloudconfig"
	"github.com/cloudboss/metaboot/pkg/constants"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUsernameLength = errors.New("username must be longer than 0")
)

type PasswdEntry struct {
	Username string
	Password string
	UID      uint32
	GID      uint32
	Comment  string
	HomeDir  string
	Shell    string
}

func (p PasswdEntry) String() string {
	return fmt.Sprintf("%s:%s:%d:%d:%s:%s:%s",
		p.Username, p.Password, p.UID, p.GID, p.Comment, p.HomeDir, p.Shell)
}

// ShadowEntry is a line of /etc/shadow. Numeric fields are -1 when empty.
type ShadowEntry struct {
	Username         string
	Password         string
	LastChange       int
	MinAge           int
	MaxAge           int
	WarningPeriod    int
	InactivityPeriod int
	Expiration       int
	Unused           string
}

func (s ShadowEntry) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s:%s:%s",
		s.Username, s.Password, optional(s.LastChange), optional(s.MinAge),
		optional(s.MaxAge), optional(s.WarningPeriod), optional(s.InactivityPeriod),
		optional(s.Expiration), s.Unused)
}

func optional(n int) string {
	if n < 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func ParsePasswd(fs afero.Fs, passwdFile string) (map[string]*PasswdEntry, []*PasswdEntry, error) {
	entryMap := make(map[string]*PasswdEntry)
	entryList := []*PasswdEntry{}

	err := scanFields(fs, passwdFile, 7, func(fields []string) error {
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return fmt.Errorf("error parsing third field of line in %s: %w", passwdFile, err)
		}
		gid, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return fmt.Errorf("error parsing fourth field of line in %s: %w", passwdFile, err)
		}
		entry := &PasswdEntry{
			Username: fields[0],
			Password: fields[1],
			UID:      uint32(uid),
			GID:      uint32(gid),
			Comment:  fields[4],
			HomeDir:  fields[5],
			Shell:    fields[6],
		}
		entryMap[entry.Username] = entry
		entryList = append(entryList, entry)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entryMap, entryList, nil
}

func ParseShadow(fs afero.Fs, shadowFile string) (map[string]*ShadowEntry, []*ShadowEntry, error) {
	entryMap := make(map[string]*ShadowEntry)
	entryList := []*ShadowEntry{}

	err := scanFields(fs, shadowFile, 9, func(fields []string) error {
		numbers := make([]int, 6)
		for i := range numbers {
			numbers[i] = -1
			field := fields[i+2]
			if len(field) == 0 {
				continue
			}
			n, err := strconv.Atoi(field)
			if err != nil {
				return fmt.Errorf("error parsing field %d of line in %s: %w", i+3, shadowFile, err)
			}
			numbers[i] = n
		}
		entry := &ShadowEntry{
			Username:         fields[0],
			Password:         fields[1],
			LastChange:       numbers[0],
			MinAge:           numbers[1],
			MaxAge:           numbers[2],
			WarningPeriod:    numbers[3],
			InactivityPeriod: numbers[4],
			Expiration:       numbers[5],
			Unused:           fields[8],
		}
		entryMap[entry.Username] = entry
		entryList = append(entryList, entry)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entryMap, entryList, nil
}

func scanFields(fs afero.Fs, path string, n int, fn func([]string) error) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != n {
			return fmt.Errorf("unexpected number of fields in %s: %d", path, len(fields))
		}
		if err := fn(fields); err != nil {
			return err
		}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("unable to read %s: %w", path, err)
	}
	return nil
}

func writeLines[T fmt.Stringer](fs afero.Fs, path string, lines []T, mode os.FileMode) error {
	oldmask := unix.Umask(0)
	defer unix.Umask(oldmask)

	tmpPath := path + "+"
	tf, err := fs.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", tmpPath, err)
	}
	// File will normally be closed earlier if there are no errors.
	defer tf.Close()

	for _, line := range lines {
		if _, err = fmt.Fprintf(tf, "%s\n", line); err != nil {
			return fmt.Errorf("unable to write to %s: %w", tmpPath, err)
		}
	}

	if err = tf.Close(); err != nil {
		return fmt.Errorf("unable to close %s: %w", tmpPath, err)
	}

	if err = fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("unable to rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

type Options struct {
	// BaseDir is prepended to every system file path.
	BaseDir   string
	LoginUser string
	Clock     clock.Clock
	// HashCost is the bcrypt cost, bcrypt.DefaultCost when zero.
	HashCost int
}

func (o Options) clock() clock.Clock {
	if o.Clock == nil {
		return clock.WallClock
	}
	return o.Clock
}

func (o Options) loginUser() string {
	if len(o.LoginUser) == 0 {
		return constants.LoginUserDefault
	}
	return o.LoginUser
}

func (o Options) hashCost() int {
	if o.HashCost == 0 {
		return bcrypt.DefaultCost
	}
	return o.HashCost
}

// Apply writes cfg to the system under opts.BaseDir. Nothing is written for
// fields cfg leaves unset.
func Apply(fs afero.Fs, cfg *cloudconfig.Config, opts Options) error {
	if cfg == nil {
		return nil
	}
	if len(cfg.Password) > 0 {
		err := SetPassword(fs, opts.loginUser(), cfg.Password, cfg.Expire(), opts)
		if err != nil {
			return err
		}
	}
	if cfg.SSHPwauth != nil {
		if err := SetSSHPasswordAuth(fs, *cfg.SSHPwauth, opts.BaseDir); err != nil {
			return err
		}
	}
	return nil
}

// SetPassword stores a hash of password for username. When expire is true
// the password must be changed at the next login.
func SetPassword(fs afero.Fs, username, password string, expire bool, opts Options) error {
	if len(username) == 0 {
		return ErrUsernameLength
	}

	fileEtcPasswd := filepath.Join(opts.BaseDir, constants.FileEtcPasswd)
	fileEtcShadow := filepath.Join(opts.BaseDir, constants.FileEtcShadow)

	passwdByName, _, err := ParsePasswd(fs, fileEtcPasswd)
	if err != nil {
		return err
	}
	if _, ok := passwdByName[username]; !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}

	shadowByName := map[string]*ShadowEntry{}
	shadowList := []*ShadowEntry{}
	shadowExists, err := afero.Exists(fs, fileEtcShadow)
	if err != nil {
		return fmt.Errorf("unable to stat %s: %w", fileEtcShadow, err)
	}
	if shadowExists {
		shadowByName, shadowList, err = ParseShadow(fs, fileEtcShadow)
		if err != nil {
			return err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), opts.hashCost())
	if err != nil {
		return fmt.Errorf("unable to hash password for %s: %w", username, err)
	}

	entry, ok := shadowByName[username]
	if !ok {
		entry = &ShadowEntry{
			Username:         username,
			MinAge:           0,
			MaxAge:           99999,
			WarningPeriod:    7,
			InactivityPeriod: -1,
			Expiration:       -1,
		}
		shadowList = append(shadowList, entry)
	}
	entry.Password = string(hash)
	entry.LastChange = 0
	if !expire {
		entry.LastChange = daysSinceEpoch(opts.clock().Now())
	}

	return writeLines(fs, fileEtcShadow, shadowList, constants.ModeEtcShadow)
}

// SetSSHPasswordAuth writes an sshd drop-in that turns password
// authentication on or off.
func SetSSHPasswordAuth(fs afero.Fs, enabled bool, baseDir string) error {
	dropIn := filepath.Join(baseDir, constants.FileSSHDPasswordDropIn)
	if err := fs.MkdirAll(filepath.Dir(dropIn), 0755); err != nil {
		return fmt.Errorf("unable to create %s: %w", filepath.Dir(dropIn), err)
	}
	value := "no"
	if enabled {
		value = "yes"
	}
	line := sshdLine{key: "PasswordAuthentication", value: value}
	return writeLines(fs, dropIn, []sshdLine{line}, constants.ModeSSHDDropIn)
}

type sshdLine struct {
	key   string
	value string
}

func (s sshdLine) String() string {
	return s.key + " " + s.value
}

func daysSinceEpoch(t time.Time) int {
	return int(t.Unix() / int64(24*time.Hour/time.Second))
}
