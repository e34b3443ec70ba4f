// Package auth holds the configured user directory and the login tokens
// handed out by the HTTP login endpoint.
package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"duet/pkg/types"
)

// Credential is one configured user as read from config
type Credential struct {
	Name        string
	Password    string
	DisplayName string
}

type user struct {
	name        string
	displayName string
	hash        []byte
}

// Directory is the fixed set of users allowed to log in. Passwords are
// kept only as bcrypt hashes.
type Directory struct {
	users     map[string]*user
	order     []string
	dummyHash []byte // compared for unknown usernames
}

// NewDirectory hashes every credential. cost <= 0 selects bcrypt.DefaultCost.
func NewDirectory(credentials []Credential, cost int) (*Directory, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if len(credentials) < 2 {
		return nil, ErrTooFewUsers
	}

	d := &Directory{users: make(map[string]*user)}
	for _, cred := range credentials {
		if !types.IsValidUsername(cred.Name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidUser, cred.Name)
		}
		if _, exists := d.users[cred.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, cred.Name)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), cost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password for %s: %w", cred.Name, err)
		}

		display := cred.DisplayName
		if display == "" {
			display = Capitalize(cred.Name)
		}

		d.users[cred.Name] = &user{name: cred.Name, displayName: display, hash: hash}
		d.order = append(d.order, cred.Name)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("duet-unknown-user"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare directory: %w", err)
	}
	d.dummyHash = dummy

	return d, nil
}

// Verify checks a username/password pair
func (d *Directory) Verify(username, password string) error {
	u, exists := d.users[username]
	if !exists {
		_ = bcrypt.CompareHashAndPassword(d.dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// IsKnown reports whether username is a configured user
func (d *Directory) IsKnown(username string) bool {
	_, exists := d.users[username]
	return exists
}

// Users returns usernames in configuration order
func (d *Directory) Users() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Counterparts returns every configured user except username
func (d *Directory) Counterparts(username string) []string {
	out := make([]string, 0, len(d.order))
	for _, name := range d.order {
		if name != username {
			out = append(out, name)
		}
	}
	return out
}

// DisplayName returns the configured display name, or "" for unknown users
func (d *Directory) DisplayName(username string) string {
	if u, exists := d.users[username]; exists {
		return u.displayName
	}
	return ""
}

// Capitalize upper-cases the first letter of a username
func Capitalize(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
