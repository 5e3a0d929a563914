// Package register orchestrates account creation across the local store and
// the external CRM. The local transaction is the source of truth and commits
// first; mirroring runs after it, best-effort for contacts and mandatory for
// the organization-owner's company record.
package register

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/6ubble/bip-backend/internal/identity"
	"github.com/6ubble/bip-backend/internal/store"
	"github.com/6ubble/bip-backend/internal/util"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateIdentity means the phone or email is already registered.
	ErrDuplicateIdentity = errors.New("phone or email already registered")
	// ErrInviteNotFound means no company holds the given invite token.
	ErrInviteNotFound = errors.New("invite token not found")
	// ErrMirrorFailed means the mandatory company mirroring failed; the local
	// rows have been compensated away.
	ErrMirrorFailed = errors.New("external company mirroring failed")
)

type Store interface {
	AccountExists(ctx context.Context, phone, email string) (bool, error)
	CreateAccount(ctx context.Context, account store.Account) (store.Account, error)
	CreateAccountWithCompany(ctx context.Context, account store.Account, company store.Company) (store.Account, store.Company, error)
	GetCompanyByInviteToken(ctx context.Context, token string) (store.Company, error)
	SetAccountExternalContact(ctx context.Context, accountID int64, contactID string) error
	SetCompanyExternalID(ctx context.Context, companyID int64, externalID string) error
	DeleteAccountAndCompany(ctx context.Context, accountID, companyID int64) error
}

type ContactResolver interface {
	Resolve(ctx context.Context, email, phone string) string
}

// Mirror is the slice of the CRM the saga writes to.
type Mirror interface {
	CreateContact(ctx context.Context, contact ContactFields) (string, error)
	CreateCompany(ctx context.Context, company CompanyFields) (string, error)
	CreateRequisite(ctx context.Context, externalCompanyID, taxID, companyName string) (string, error)
}

type Saga struct {
	store    Store
	resolver ContactResolver
	mirror   Mirror
	logger   *zap.Logger
}

func NewSaga(st Store, resolver ContactResolver, mirror Mirror, logger *zap.Logger) *Saga {
	return &Saga{store: st, resolver: resolver, mirror: mirror, logger: logger}
}

type IndividualInput struct {
	FirstName    string
	SecondName   string
	LastName     string
	Birthdate    *time.Time
	Phone        string
	Email        string
	PasswordHash string
}

type OwnerInput struct {
	CompanyName  string
	TaxID        string
	FirstName    string
	SecondName   string
	LastName     string
	Phone        string
	Email        string
	PasswordHash string
}

type EmployeeInput struct {
	FirstName    string
	SecondName   string
	LastName     string
	Position     string
	Phone        string
	Email        string
	PasswordHash string
	InviteToken  string
}

// Result carries the committed rows; Company is set for owner and employee
// registrations.
type Result struct {
	Account store.Account
	Company *store.Company
}

// RegisterIndividual creates a customer account. Contact mirroring is
// best-effort: a CRM failure leaves external_contact_id null and the account
// stands.
func (s *Saga) RegisterIndividual(ctx context.Context, input IndividualInput) (Result, error) {
	phone := identity.NormalizePhone(input.Phone)
	if err := s.rejectDuplicate(ctx, phone, input.Email); err != nil {
		return Result{}, err
	}

	contactID := s.resolver.Resolve(ctx, input.Email, phone)

	account := store.Account{
		Type:         store.AccountTypeIndividual,
		Role:         store.RoleCustomer,
		FirstName:    input.FirstName,
		SecondName:   input.SecondName,
		LastName:     input.LastName,
		Birthdate:    input.Birthdate,
		Phone:        phone,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
	}
	if contactID != "" {
		account.ExternalContactID = &contactID
	}

	created, err := s.store.CreateAccount(ctx, account)
	if err != nil {
		return Result{}, classifyStoreError(err)
	}

	if contactID == "" {
		s.mirrorContact(ctx, &created, "")
	}
	return Result{Account: created}, nil
}

// RegisterOrganizationOwner creates the owner account and its company in one
// local transaction, then mirrors the company, its legal requisites and the
// contact. Company or requisite mirroring failure compensates the committed
// rows away: an owner account without a backing company directory entry is
// unusable.
func (s *Saga) RegisterOrganizationOwner(ctx context.Context, input OwnerInput) (Result, error) {
	phone := identity.NormalizePhone(input.Phone)
	if err := s.rejectDuplicate(ctx, phone, input.Email); err != nil {
		return Result{}, err
	}

	contactID := s.resolver.Resolve(ctx, input.Email, phone)

	account := store.Account{
		Type:         store.AccountTypeOrganization,
		Role:         store.RoleOwner,
		FirstName:    input.FirstName,
		SecondName:   input.SecondName,
		LastName:     input.LastName,
		Phone:        phone,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
	}
	if contactID != "" {
		account.ExternalContactID = &contactID
	}
	company := store.Company{
		Name:        input.CompanyName,
		TaxID:       input.TaxID,
		InviteToken: util.NewInviteToken(),
		Phone:       phone,
		Email:       input.Email,
	}

	createdAccount, createdCompany, err := s.store.CreateAccountWithCompany(ctx, account, company)
	if err != nil {
		return Result{}, classifyStoreError(err)
	}

	externalCompanyID, err := s.mirror.CreateCompany(ctx, CompanyFields{
		Title: input.CompanyName,
		Phone: phone,
		Email: input.Email,
	})
	if err == nil {
		_, err = s.mirror.CreateRequisite(ctx, externalCompanyID, input.TaxID, input.CompanyName)
	}
	if err != nil {
		s.logger.Error("owner mirroring failed, compensating local rows",
			zap.Int64("account_id", createdAccount.ID),
			zap.Int64("company_id", createdCompany.ID),
			zap.Error(err),
		)
		if compErr := s.store.DeleteAccountAndCompany(ctx, createdAccount.ID, createdCompany.ID); compErr != nil {
			s.logger.Error("compensation failed, rows left behind", zap.Error(compErr))
		}
		return Result{}, fmt.Errorf("%w: %w", ErrMirrorFailed, err)
	}

	if err := s.store.SetCompanyExternalID(ctx, createdCompany.ID, externalCompanyID); err != nil {
		s.logger.Error("external company id backfill failed", zap.Error(err))
	} else {
		createdCompany.ExternalCompanyID = &externalCompanyID
	}

	if contactID == "" {
		s.mirrorContact(ctx, &createdAccount, externalCompanyID)
	}
	return Result{Account: createdAccount, Company: &createdCompany}, nil
}

// RegisterEmployee creates an account under an existing company identified by
// its invite token.
func (s *Saga) RegisterEmployee(ctx context.Context, input EmployeeInput) (Result, error) {
	phone := identity.NormalizePhone(input.Phone)
	if err := s.rejectDuplicate(ctx, phone, input.Email); err != nil {
		return Result{}, err
	}

	company, err := s.store.GetCompanyByInviteToken(ctx, input.InviteToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrInviteNotFound
		}
		return Result{}, fmt.Errorf("lookup invite token: %w", err)
	}

	contactID := s.resolver.Resolve(ctx, input.Email, phone)

	account := store.Account{
		Type:         store.AccountTypeOrganization,
		Role:         store.RoleEmployee,
		FirstName:    input.FirstName,
		SecondName:   input.SecondName,
		LastName:     input.LastName,
		Position:     input.Position,
		Phone:        phone,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		CompanyID:    &company.ID,
	}
	if contactID != "" {
		account.ExternalContactID = &contactID
	}

	created, err := s.store.CreateAccount(ctx, account)
	if err != nil {
		return Result{}, classifyStoreError(err)
	}

	if contactID == "" {
		externalCompanyID := ""
		if company.ExternalCompanyID != nil {
			externalCompanyID = *company.ExternalCompanyID
		}
		s.mirrorContact(ctx, &created, externalCompanyID)
	}
	return Result{Account: created, Company: &company}, nil
}

func (s *Saga) rejectDuplicate(ctx context.Context, phone, email string) error {
	exists, err := s.store.AccountExists(ctx, phone, email)
	if err != nil {
		return fmt.Errorf("check duplicates: %w", err)
	}
	if exists {
		return ErrDuplicateIdentity
	}
	return nil
}

// mirrorContact creates the CRM contact and backfills its id. Failure is
// logged and left unresolved; there is no retry queue.
func (s *Saga) mirrorContact(ctx context.Context, account *store.Account, externalCompanyID string) {
	fields := ContactFields{
		FirstName:         account.FirstName,
		SecondName:        account.SecondName,
		LastName:          account.LastName,
		Phone:             account.Phone,
		Email:             account.Email,
		ExternalCompanyID: externalCompanyID,
	}
	if account.Birthdate != nil {
		fields.Birthdate = account.Birthdate.Format("2006-01-02")
	}

	contactID, err := s.mirror.CreateContact(ctx, fields)
	if err != nil {
		s.logger.Warn("contact mirroring failed, account keeps null external id",
			zap.Int64("account_id", account.ID), zap.Error(err))
		return
	}
	if err := s.store.SetAccountExternalContact(ctx, account.ID, contactID); err != nil {
		s.logger.Error("external contact id backfill failed",
			zap.Int64("account_id", account.ID), zap.Error(err))
		return
	}
	account.ExternalContactID = &contactID
}

func classifyStoreError(err error) error {
	if errors.Is(err, store.ErrDuplicate) {
		return ErrDuplicateIdentity
	}
	return err
}
