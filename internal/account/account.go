// Package account registers and authenticates users and keeps the
// signed-in session.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/cloudsync"
	"github.com/schoolpsy/psyhelper/internal/role"
	"github.com/schoolpsy/psyhelper/internal/storage"
	"github.com/schoolpsy/psyhelper/internal/util"
)

var log = logging.Logger("account")

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = storage.ErrUsernameTaken
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrNotSignedIn        = errors.New("not signed in")
	ErrInvalidUsername    = errors.New("invalid username")
)

const (
	minPassword = 6

	metaSessionUser = "session_user_id"
	metaRemember    = "session_remember"
)

// palette holds ARGB avatar colours, stored as signed 32-bit values.
var palette = []uint32{0xFFFF6B6B, 0xFF4ECDC4, 0xFFFFD166, 0xFF6A0572, 0xFF06D6A0, 0xFF118AB2}

// AvatarColor picks a palette colour from the username hash, so the same
// name gets the same colour on every device.
func AvatarColor(username string) int64 {
	var h int32
	for _, c := range utf16.Encode([]rune(username)) {
		h = 31*h + int32(c)
	}
	idx := int(h % int32(len(palette)))
	if idx < 0 {
		idx = -idx
	}
	return int64(int32(palette[idx]))
}

// Registration is the input of Register.
type Registration struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Role      role.Role `json:"role"`
}

type Service struct {
	db     *storage.DB
	mirror *cloud.Mirror
	sync   *cloudsync.Manager

	mu      sync.RWMutex
	current *storage.User
}

func New(db *storage.DB, mirror *cloud.Mirror, sync *cloudsync.Manager) *Service {
	return &Service{db: db, mirror: mirror, sync: sync}
}

func hashPassword(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func isHash(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// checkPassword reports whether pw matches stored and whether stored is a
// legacy plaintext value that should be rehashed.
func checkPassword(stored, pw string) (ok, legacy bool) {
	if isHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(pw)) == nil, false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(pw)) == 1, true
}

// Register creates an account. Online, the id comes from the shared cloud
// counter and the user is mirrored at once; offline, SQLite assigns a local
// id and the next sync pushes it.
func (s *Service) Register(ctx context.Context, r Registration) (storage.User, error) {
	name, err := util.ValidateUsername(r.Username)
	if err != nil {
		return storage.User{}, fmt.Errorf("%w: %v", ErrInvalidUsername, err)
	}
	if len(r.Password) < minPassword {
		return storage.User{}, ErrWeakPassword
	}
	taken, err := s.db.UsernameExists(ctx, name)
	if err != nil {
		return storage.User{}, err
	}
	if taken {
		return storage.User{}, ErrUsernameTaken
	}
	hash, err := hashPassword(r.Password)
	if err != nil {
		return storage.User{}, err
	}
	u := storage.User{
		Username:    name,
		Password:    hash,
		FirstName:   strings.TrimSpace(r.FirstName),
		LastName:    strings.TrimSpace(r.LastName),
		Role:        role.Normalize(string(r.Role)),
		AvatarColor: AvatarColor(name),
		CreatedAt:   time.Now().UnixMilli(),
	}

	online := s.sync != nil && s.sync.IsOnline(ctx)
	if online {
		docs, err := s.mirror.Store().Find(ctx, cloud.Users, cloud.Query{Where: []cloud.Cond{cloud.Eq("username", name)}, Limit: 1})
		if err == nil && len(docs) > 0 {
			return storage.User{}, ErrUsernameTaken
		}
		if id, err := s.mirror.NextUserID(ctx); err == nil {
			u.ID = id
		} else {
			log.Warnf("cloud id for %q: %v, using a local id", name, err)
			online = false
		}
	}

	id, err := s.db.CreateUser(ctx, u)
	if err != nil {
		return storage.User{}, err
	}
	u.ID = id
	if online {
		if err := s.sync.SyncOnUserRegistration(ctx, u); err != nil {
			log.Warnf("mirror new user %q: %v", name, err)
		} else {
			u.Synced = true
		}
	}
	log.Infof("registered %s %q (id %d, synced=%v)", u.Role, name, u.ID, u.Synced)
	return u, nil
}

// Authenticate checks the credentials. Every failure is
// ErrInvalidCredentials. A legacy plaintext password is rehashed on the
// first successful check.
func (s *Service) Authenticate(ctx context.Context, username, password string) (storage.User, error) {
	u, err := s.db.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return storage.User{}, err
	}
	ok, legacy := checkPassword(u.Password, password)
	if !ok {
		return storage.User{}, ErrInvalidCredentials
	}
	if legacy {
		if hash, err := hashPassword(password); err == nil {
			if err := s.db.UpdatePassword(ctx, u.ID, hash); err != nil {
				log.Warnf("upgrade password of %q: %v", u.Username, err)
			} else {
				u.Password = hash
				s.pushUser(ctx, u)
			}
		}
	}
	return u, nil
}

// pushUser mirrors u when the cloud is reachable. Failures are logged.
func (s *Service) pushUser(ctx context.Context, u storage.User) {
	if s.sync == nil || !s.sync.IsOnline(ctx) {
		return
	}
	if err := s.mirror.PutUser(ctx, u); err != nil {
		log.Warnf("mirror user %q: %v", u.Username, err)
	}
}

// Login authenticates and makes the user current. With remember set the
// session survives a restart through AutoLogin.
func (s *Service) Login(ctx context.Context, username, password string, remember bool) (storage.User, error) {
	u, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return storage.User{}, err
	}
	if err := s.db.SetMeta(ctx, metaSessionUser, strconv.FormatInt(u.ID, 10)); err != nil {
		return storage.User{}, err
	}
	if err := s.db.SetMeta(ctx, metaRemember, strconv.FormatBool(remember)); err != nil {
		return storage.User{}, err
	}
	s.setCurrent(&u)
	log.Infof("%q signed in", u.Username)
	return u, nil
}

// AutoLogin restores a remembered session.
func (s *Service) AutoLogin(ctx context.Context) (storage.User, bool) {
	rem, ok, err := s.db.GetMeta(ctx, metaRemember)
	if err != nil || !ok || rem != "true" {
		return storage.User{}, false
	}
	v, ok, err := s.db.GetMeta(ctx, metaSessionUser)
	if err != nil || !ok {
		return storage.User{}, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return storage.User{}, false
	}
	u, err := s.db.GetUser(ctx, id)
	if err != nil {
		// the account was removed since; forget the session
		_ = s.db.DeleteMeta(ctx, metaSessionUser, metaRemember)
		return storage.User{}, false
	}
	s.setCurrent(&u)
	return u, true
}

func (s *Service) Logout(ctx context.Context) error {
	s.setCurrent(nil)
	return s.db.DeleteMeta(ctx, metaSessionUser, metaRemember)
}

func (s *Service) setCurrent(u *storage.User) {
	s.mu.Lock()
	s.current = u
	s.mu.Unlock()
}

// Current returns the signed-in user.
func (s *Service) Current() (storage.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return storage.User{}, false
	}
	return *s.current, true
}

// CurrentID is the signed-in user's id, or 0.
func (s *Service) CurrentID() int64 {
	u, ok := s.Current()
	if !ok {
		return 0
	}
	return u.ID
}

func (s *Service) Students(ctx context.Context) ([]storage.User, error) {
	return s.db.UsersByRole(ctx, role.Student)
}

func (s *Service) Teachers(ctx context.Context) ([]storage.User, error) {
	return s.db.UsersByRole(ctx, role.Teacher)
}

// Delete removes the account locally and in the cloud. Offline deletes
// are replayed by the next sync pass.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if s.sync != nil {
		if err := s.sync.SyncOnUserDelete(ctx, id); err != nil {
			return err
		}
	} else if err := s.db.DeleteUser(ctx, id); err != nil {
		return err
	}
	if s.CurrentID() == id {
		return s.Logout(ctx)
	}
	return nil
}

// ChangePassword replaces the password after checking the old one.
func (s *Service) ChangePassword(ctx context.Context, id int64, oldPassword, newPassword string) error {
	u, err := s.db.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if ok, _ := checkPassword(u.Password, oldPassword); !ok {
		return ErrInvalidCredentials
	}
	if len(newPassword) < minPassword {
		return ErrWeakPassword
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.db.UpdatePassword(ctx, id, hash); err != nil {
		return err
	}
	u.Password = hash
	s.pushUser(ctx, u)
	return nil
}

// UpdateAvatarColor stores a user-picked colour.
func (s *Service) UpdateAvatarColor(ctx context.Context, id, color int64) error {
	if err := s.db.UpdateAvatarColor(ctx, id, color); err != nil {
		return err
	}
	if u, err := s.db.GetUser(ctx, id); err == nil {
		s.pushUser(ctx, u)
	}
	return nil
}

// DefaultAccounts are created on a fresh install so each role can sign in.
var DefaultAccounts = []Registration{
	{Username: "test.user", Password: "123456", FirstName: "Test", LastName: "Student", Role: role.Student},
	{Username: "teacher.test", Password: "123456", FirstName: "Test", LastName: "Teacher", Role: role.Teacher},
	{Username: "admin.test", Password: "123456", FirstName: "Test", LastName: "Admin", Role: role.Admin},
}

// SeedDefaults registers the DefaultAccounts that do not exist yet.
func (s *Service) SeedDefaults(ctx context.Context) error {
	for _, r := range DefaultAccounts {
		exists, err := s.db.UsernameExists(ctx, r.Username)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.Register(ctx, r); err != nil && !errors.Is(err, ErrUsernameTaken) {
			return fmt.Errorf("seed %q: %w", r.Username, err)
		}
	}
	return nil
}
