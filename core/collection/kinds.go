package collection

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/csql"
)

// Properties maintained by the auth kind
const (
	PropertyEmail        = "email"
	PropertyPassword     = "password"
	PropertyPasswordHash = "passwordHash"
)

// KindHandler is the behaviour specific to a collection kind. It runs inside
// the save and delete transactions of the record store.
type KindHandler interface {
	// BeforeSave prepares data for storage. existing is the stored record for
	// an update, nil for a create.
	BeforeSave(ctx context.Context, coll *Collection, data, existing map[string]interface{}, now time.Time) error
	// BeforeDelete may veto the deletion of data
	BeforeDelete(ctx context.Context, coll *Collection, data map[string]interface{}) error
	// OnRetrieved is called for every record read from storage
	OnRetrieved(coll *Collection, data map[string]interface{})
}

var handlers = map[Kind]KindHandler{
	KindBase: baseHandler{},
	KindAuth: authHandler{},
	KindView: viewHandler{},
}

// HandlerFor returns the handler of kind
func HandlerFor(kind Kind) (KindHandler, error) {
	if h, ok := handlers[kind]; ok {
		return h, nil
	}
	return nil, errors.Wrapf(core.ErrConfiguration, "no handler for collection kind %q", kind)
}

type baseHandler struct{}

// BeforeSave keeps the original creation time and stamps the update time
func (baseHandler) BeforeSave(ctx context.Context, coll *Collection, data, existing map[string]interface{}, now time.Time) error {
	stamp := csql.FormatTime(now)
	created, _ := existing[PropertyCreated].(string)
	if created == "" {
		created = stamp
	}
	data[PropertyCreated] = created
	data[PropertyUpdated] = stamp
	return nil
}

func (baseHandler) BeforeDelete(ctx context.Context, coll *Collection, data map[string]interface{}) error {
	return nil
}

func (baseHandler) OnRetrieved(coll *Collection, data map[string]interface{}) {}

type authHandler struct {
	baseHandler
}

// BeforeSave requires an email address and replaces a plain text password
// by its bcrypt hash
func (h authHandler) BeforeSave(ctx context.Context, coll *Collection, data, existing map[string]interface{}, now time.Time) error {
	email, _ := data[PropertyEmail].(string)
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errors.Wrap(core.ErrValidation, "auth record requires an email")
	}
	data[PropertyEmail] = email

	password, hasPassword := data[PropertyPassword].(string)
	delete(data, PropertyPassword)
	switch {
	case hasPassword:
		if len(password) < coll.MinPasswordLength() {
			return errors.Wrapf(core.ErrValidation, "password must be at least %d characters", coll.MinPasswordLength())
		}
		hash, err := HashPassword(password)
		if err != nil {
			return err
		}
		data[PropertyPasswordHash] = hash
	case existing != nil && existing[PropertyPasswordHash] != nil:
		data[PropertyPasswordHash] = existing[PropertyPasswordHash]
	default:
		return errors.Wrap(core.ErrValidation, "auth record requires a password")
	}
	return h.baseHandler.BeforeSave(ctx, coll, data, existing, now)
}

// OnRetrieved never lets the password hash leave the store
func (authHandler) OnRetrieved(coll *Collection, data map[string]interface{}) {
	delete(data, PropertyPasswordHash)
}

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "cannot hash password")
	}
	return string(hash), nil
}

// CheckPassword returns true if password matches the bcrypt hash
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type viewHandler struct {
	baseHandler
}

func (viewHandler) BeforeSave(ctx context.Context, coll *Collection, data, existing map[string]interface{}, now time.Time) error {
	return errors.Wrapf(core.ErrValidation, "view collection %s is read-only", coll.Name)
}

func (viewHandler) BeforeDelete(ctx context.Context, coll *Collection, data map[string]interface{}) error {
	return errors.Wrapf(core.ErrValidation, "view collection %s is read-only", coll.Name)
}
