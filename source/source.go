// Package source describes the mail store the extractor reads from: a tree
// of accounts, folders and messages owned by an external mail client or
// server.
package source

import (
	"context"
	"errors"
	"strings"

	"github.com/dhcgn/mailharvest/model"
)

// ErrAccountNotFound is returned when the requested account is not part of the store.
var ErrAccountNotFound = errors.New("account not found")

// Source is an opened mail store.
type Source interface {
	// Accounts lists the addresses of all accounts in the store.
	Accounts(ctx context.Context) ([]string, error)
	// Account resolves an account by address.
	Account(ctx context.Context, address string) (Account, error)
	Close() error
}

// Account is a single mail account.
type Account interface {
	Address() string
	// Folders lists the top-level folders of the account.
	Folders(ctx context.Context) ([]Folder, error)
}

// WalkFunc is called for every message of a folder. Returning an error
// stops the walk.
type WalkFunc func(msg *model.Message) error

// Folder is a finite, restartable collection of messages. Every call to
// Walk starts again at the first message.
type Folder interface {
	Name() string
	Walk(ctx context.Context, fn WalkFunc) error
}

// SameAddress compares account addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
