package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-onboarding/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/email"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/utilities"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/validator"
)

// Skip reasons reported per row.
const (
	ReasonDuplicateInFile = "Duplicate email in uploaded file"
	ReasonRequired        = "name and email required"
	ReasonInvalidEmail    = "Invalid email"
	ReasonInvalidName     = "Invalid name"
	ReasonInvalidDate     = "Invalid date, use YYYY-MM-DD"
	ReasonInvalidAddress  = "Invalid address json"
)

const (
	maxNameLength  = 100
	emailTokenSize = 6
)

var (
	ErrEmptyBatch = apperr.New(apperr.Validation, "Empty file")
	ErrSaveFailed = apperr.New(apperr.Unexpected, "Failed to save users")
	ErrSaveRace   = apperr.New(apperr.Conflict, "Some users were created concurrently, retry the upload")
)

// Store is the slice of the identity store the pipeline needs.
type Store interface {
	FindUserByEmail(ctx context.Context, email string) (*entity.User, error)
	CreateUsers(ctx context.Context, users []entity.NewUser) ([]entity.User, error)
}

// Notifier delivers messages in the background.
type Notifier interface {
	Go(ctx context.Context, msgs []email.Message)
}

type Entry struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Skipped struct {
	Row    int    `json:"row"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"error"`
}

// Result partitions the input rows: every row lands in exactly one list.
type Result struct {
	Created       []Entry   `json:"created"`
	AlreadyExists []Entry   `json:"alreadyExists"`
	Skipped       []Skipped `json:"skipped"`
}

type Pipeline struct {
	store    Store
	notify   Notifier
	validate *validator.Validator
	logger   *zap.SugaredLogger
	newToken func() (string, error)
	newUID   func() string
}

func NewPipeline(store Store, notify Notifier, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		store:    store,
		notify:   notify,
		validate: validator.NewValidator(),
		logger:   logger,
		newToken: func() (string, error) { return utilities.RandomToken(emailTokenSize) },
		newUID:   utilities.NewKSUID,
	}
}

// Import validates every row, creates the new users in one transaction and
// then sends verification emails in the background. Per-row problems are
// reported in the result; only structural or storage failures are errors.
func (p *Pipeline) Import(ctx context.Context, b *Batch) (*Result, error) {
	if b == nil || len(b.Rows) == 0 {
		return nil, ErrEmptyBatch
	}
	fm := BuildFieldMap(b.Headers)
	if missing := MissingFields(fm); len(missing) > 0 {
		return nil, apperr.New(apperr.Validation, "Missing required column: "+string(missing[0])).
			WithDetail(map[string]any{"missing": missing, "headers": b.Headers})
	}

	res := &Result{Created: []Entry{}, AlreadyExists: []Entry{}, Skipped: []Skipped{}}
	var queued []entity.NewUser
	seen := make(map[string]bool, len(b.Rows))

	for _, row := range b.Rows {
		name := strings.TrimSpace(row.Cell(fm[FieldName]).Text)
		addr := email.Normalize(row.Cell(fm[FieldEmail]).Text)
		skip := func(reason, value string) {
			res.Skipped = append(res.Skipped, Skipped{Row: row.Line, Name: name, Email: addr, Value: value, Reason: reason})
		}

		if addr != "" && seen[addr] {
			skip(ReasonDuplicateInFile, "")
			continue
		}
		seen[addr] = true

		if name == "" || addr == "" {
			skip(ReasonRequired, "")
			continue
		}
		if !p.validate.Email(addr) {
			skip(ReasonInvalidEmail, "")
			continue
		}
		if utf8.RuneCountInString(name) > maxNameLength {
			skip(ReasonInvalidName, "")
			continue
		}

		dobCell := row.Cell(fm[FieldDOB])
		dob, ok := parseDOB(dobCell)
		if !ok {
			skip(ReasonInvalidDate, dobCell.Text)
			continue
		}

		var address entity.JSONDoc
		if raw := strings.TrimSpace(row.Cell(fm[FieldAddress]).Text); raw != "" {
			doc, err := entity.ParseJSONObject([]byte(raw))
			if err != nil {
				skip(ReasonInvalidAddress, raw)
				continue
			}
			address = doc
		}

		if _, err := p.store.FindUserByEmail(ctx, addr); err == nil {
			res.AlreadyExists = append(res.AlreadyExists, Entry{Name: name, Email: addr})
			continue
		} else if !errors.Is(err, userrepo.ErrNotFound) {
			return nil, fmt.Errorf("lookup %s: %w", addr, err)
		}

		token, err := p.newToken()
		if err != nil {
			return nil, fmt.Errorf("generate email token: %w", err)
		}
		queued = append(queued, entity.NewUser{
			UniqueID:   p.newUID(),
			Name:       name,
			Email:      addr,
			Address:    address,
			DOB:        dob,
			EmailToken: token,
		})
	}

	if len(queued) > 0 {
		created, err := p.store.CreateUsers(ctx, queued)
		if err != nil {
			if errors.Is(err, userrepo.ErrDuplicate) {
				return nil, apperr.Wrap(ErrSaveRace.Kind, ErrSaveRace.Message, err)
			}
			return nil, apperr.Wrap(ErrSaveFailed.Kind, ErrSaveFailed.Message, err)
		}
		msgs := make([]email.Message, len(created))
		for i, u := range created {
			res.Created = append(res.Created, Entry{Name: u.Name, Email: u.Email})
			msgs[i] = email.VerificationMessage(u.Email, queued[i].EmailToken)
		}
		p.notify.Go(ctx, msgs)
	}

	p.logger.Infow("import finished",
		"rows", len(b.Rows), "created", len(res.Created),
		"already_exists", len(res.AlreadyExists), "skipped", len(res.Skipped))
	return res, nil
}
