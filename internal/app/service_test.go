package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/6ubble/bip-backend/internal/appeal"
	"github.com/6ubble/bip-backend/internal/auth"
	"github.com/6ubble/bip-backend/internal/authpw"
	"github.com/6ubble/bip-backend/internal/config"
	"github.com/6ubble/bip-backend/internal/crm"
	"github.com/6ubble/bip-backend/internal/register"
	"github.com/6ubble/bip-backend/internal/store"
	"go.uber.org/zap"
)

type fakeDataStore struct {
	accounts     map[int64]store.Account
	companies    map[int64]store.Company
	employees    []store.Account
	transactions []store.Transaction
}

func newFakeDataStore() *fakeDataStore {
	return &fakeDataStore{
		accounts:  map[int64]store.Account{},
		companies: map[int64]store.Company{},
	}
}

func (f *fakeDataStore) GetAccountByID(ctx context.Context, id int64) (store.Account, error) {
	account, ok := f.accounts[id]
	if !ok {
		return store.Account{}, sql.ErrNoRows
	}
	return account, nil
}

func (f *fakeDataStore) GetCompanyByID(ctx context.Context, id int64) (store.Company, error) {
	company, ok := f.companies[id]
	if !ok {
		return store.Company{}, sql.ErrNoRows
	}
	return company, nil
}

func (f *fakeDataStore) CountEmployees(ctx context.Context, companyID int64) (int, error) {
	return len(f.employees), nil
}

func (f *fakeDataStore) ListEmployees(ctx context.Context, companyID int64) ([]store.Account, error) {
	return f.employees, nil
}

func (f *fakeDataStore) ListTransactions(ctx context.Context, accountID int64) ([]store.Transaction, error) {
	return f.transactions, nil
}

func (f *fakeDataStore) Ping(ctx context.Context) error { return nil }

type fakeSessionStore struct {
	sessions map[string]int64
	saveErr  error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]int64{}}
}

func (f *fakeSessionStore) SaveRefreshSession(ctx context.Context, tokenHash string, accountID int64, expiresAt time.Time) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.sessions[tokenHash] = accountID
	return nil
}

func (f *fakeSessionStore) LookupRefreshSession(ctx context.Context, tokenHash string) (int64, error) {
	accountID, ok := f.sessions[tokenHash]
	if !ok {
		return 0, errors.New("not found")
	}
	return accountID, nil
}

func (f *fakeSessionStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.sessions, tokenHash)
	return nil
}

type fakeRegistrar struct {
	result register.Result
	err    error

	individualInput register.IndividualInput
	ownerInput      register.OwnerInput
	employeeInput   register.EmployeeInput
}

func (f *fakeRegistrar) RegisterIndividual(ctx context.Context, input register.IndividualInput) (register.Result, error) {
	f.individualInput = input
	return f.result, f.err
}

func (f *fakeRegistrar) RegisterOrganizationOwner(ctx context.Context, input register.OwnerInput) (register.Result, error) {
	f.ownerInput = input
	return f.result, f.err
}

func (f *fakeRegistrar) RegisterEmployee(ctx context.Context, input register.EmployeeInput) (register.Result, error) {
	f.employeeInput = input
	return f.result, f.err
}

type fakeAppeals struct {
	snapshot       appeal.Snapshot
	files          []appeal.File
	canReply       bool
	entryID        string
	summaries      []appeal.Summary
	created        appeal.Created
	content        []byte
	err            error
	listCalled     bool
	canReplyCalled bool
}

func (f *fakeAppeals) Snapshot(ctx context.Context, appealID string) (appeal.Snapshot, error) {
	return f.snapshot, f.err
}

func (f *fakeAppeals) HistoryFiles(ctx context.Context, appealID string) ([]appeal.File, error) {
	return f.files, f.err
}

func (f *fakeAppeals) LatestFiles(ctx context.Context, appealID string) ([]appeal.File, error) {
	return f.files, f.err
}

func (f *fakeAppeals) CanReply(ctx context.Context, appealID string) (bool, error) {
	f.canReplyCalled = true
	return f.canReply, f.err
}

func (f *fakeAppeals) SubmitReply(ctx context.Context, appealID, message string, files []appeal.ReplyFile) (string, error) {
	return f.entryID, f.err
}

func (f *fakeAppeals) List(ctx context.Context, contactID string, onlyOpen bool) ([]appeal.Summary, error) {
	f.listCalled = true
	return f.summaries, f.err
}

func (f *fakeAppeals) Create(ctx context.Context, contactID string, input appeal.CreateInput) (appeal.Created, error) {
	return f.created, f.err
}

func (f *fakeAppeals) FileContent(ctx context.Context, fileID string) (appeal.File, []byte, error) {
	if len(f.files) > 0 {
		return f.files[0], f.content, f.err
	}
	return appeal.File{}, f.content, f.err
}

type fakePasswords struct {
	account store.Account
	err     error
}

func (f *fakePasswords) Login(ctx context.Context, emailOrPhone, password string) (store.Account, error) {
	return f.account, f.err
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	}
}

type serviceFixture struct {
	service   *Service
	data      *fakeDataStore
	sessions  *fakeSessionStore
	registrar *fakeRegistrar
	appeals   *fakeAppeals
	passwords *fakePasswords
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		data:      newFakeDataStore(),
		sessions:  newFakeSessionStore(),
		registrar: &fakeRegistrar{},
		appeals:   &fakeAppeals{},
		passwords: &fakePasswords{},
	}
	f.service = New(testConfig(), f.data, f.sessions, f.registrar, f.appeals, f.passwords, zap.NewNop())
	return f
}

func domainErrorOf(t *testing.T, err error) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr
}

func TestRegisterIndividualIssuesSession(t *testing.T) {
	fixture := newServiceFixture()
	contactID := "42"
	fixture.registrar.result = register.Result{Account: store.Account{
		ID: 7, Type: store.AccountTypeIndividual, Role: store.RoleCustomer,
		FirstName: "Иван", ExternalContactID: &contactID,
	}}

	view, session, err := fixture.service.RegisterIndividual(context.Background(), RegisterIndividualInput{
		FirstName: " Иван ", Phone: "9991234567", Email: "IVAN@Example.com ", Password: "s3cret",
	})
	if err != nil {
		t.Fatalf("RegisterIndividual failed: %v", err)
	}

	if fixture.registrar.individualInput.Email != "ivan@example.com" {
		t.Errorf("expected lowercased trimmed email, got %q", fixture.registrar.individualInput.Email)
	}
	if fixture.registrar.individualInput.PasswordHash == "s3cret" || fixture.registrar.individualInput.PasswordHash == "" {
		t.Error("expected password hashed before the saga sees it")
	}
	if view.ID != 7 || view.ContactID == nil || *view.ContactID != "42" {
		t.Errorf("unexpected view %+v", view)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Error("expected a full session")
	}

	claims, err := fixture.service.SessionFromToken(session.Token)
	if err != nil {
		t.Fatalf("issued token must parse: %v", err)
	}
	if claims.UserID != 7 || claims.ContactID != "42" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if len(fixture.sessions.sessions) != 1 {
		t.Error("expected the refresh session persisted")
	}
}

func TestRegisterIndividualRejectsBadBirthdate(t *testing.T) {
	fixture := newServiceFixture()

	_, _, err := fixture.service.RegisterIndividual(context.Background(), RegisterIndividualInput{
		Birthdate: "12.04.1990", Password: "s3cret",
	})
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusUnprocessableEntity || domainErr.Code != "VALIDATION_ERROR" {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestRegisterMapsDuplicateIdentity(t *testing.T) {
	fixture := newServiceFixture()
	fixture.registrar.err = register.ErrDuplicateIdentity

	_, _, err := fixture.service.RegisterIndividual(context.Background(), RegisterIndividualInput{Password: "s3cret"})
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusConflict || domainErr.Code != "DUPLICATE_IDENTITY" {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestRegisterMapsMirrorFailure(t *testing.T) {
	fixture := newServiceFixture()
	fixture.registrar.err = register.ErrMirrorFailed

	_, _, err := fixture.service.RegisterOrganizationOwner(context.Background(), RegisterOrganizationInput{Password: "s3cret"})
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusBadGateway || domainErr.Code != "CRM_UNAVAILABLE" {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestRegisterMapsUnknownInvite(t *testing.T) {
	fixture := newServiceFixture()
	fixture.registrar.err = register.ErrInviteNotFound

	_, _, err := fixture.service.RegisterEmployee(context.Background(), RegisterEmployeeInput{Password: "s3cret"})
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusNotFound || domainErr.Code != "INVITE_NOT_FOUND" {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestOwnerRegistrationExposesInviteToken(t *testing.T) {
	fixture := newServiceFixture()
	fixture.registrar.result = register.Result{
		Account: store.Account{ID: 8, Type: store.AccountTypeOrganization, Role: store.RoleOwner},
		Company: &store.Company{ID: 3, Name: "ООО Ромашка", InviteToken: "tok123"},
	}

	view, _, err := fixture.service.RegisterOrganizationOwner(context.Background(), RegisterOrganizationInput{Password: "s3cret"})
	if err != nil {
		t.Fatalf("RegisterOrganizationOwner failed: %v", err)
	}
	if view.InviteToken != "tok123" {
		t.Errorf("owner must receive the invite token, got %q", view.InviteToken)
	}
	if view.CompanyName != "ООО Ромашка" {
		t.Errorf("expected company name in view, got %q", view.CompanyName)
	}
}

func TestEmployeeRegistrationHidesInviteToken(t *testing.T) {
	fixture := newServiceFixture()
	fixture.registrar.result = register.Result{
		Account: store.Account{ID: 9, Type: store.AccountTypeOrganization, Role: store.RoleEmployee},
		Company: &store.Company{ID: 3, InviteToken: "tok123"},
	}

	view, _, err := fixture.service.RegisterEmployee(context.Background(), RegisterEmployeeInput{Password: "s3cret"})
	if err != nil {
		t.Fatalf("RegisterEmployee failed: %v", err)
	}
	if view.InviteToken != "" {
		t.Error("employees must not see the invite token")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	fixture := newServiceFixture()
	fixture.passwords.err = authpw.ErrInvalidCredentials

	_, _, err := fixture.service.Login(context.Background(), "ivan@example.com", "wrong")
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusUnauthorized || domainErr.Code != "INVALID_CREDENTIALS" {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fixture := newServiceFixture()
	fixture.passwords.account = store.Account{ID: 7, Type: store.AccountTypeIndividual, Role: store.RoleCustomer}
	fixture.data.accounts[7] = fixture.passwords.account

	_, session, err := fixture.service.Login(context.Background(), "ivan@example.com", "s3cret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	_, rotated, err := fixture.service.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Error("expected a new refresh token")
	}

	if _, _, err := fixture.service.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Error("the spent refresh token must be rejected")
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	fixture := newServiceFixture()

	_, _, err := fixture.service.Refresh(context.Background(), "ghost")
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusUnauthorized {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestAppealsWithoutContactIsEmpty(t *testing.T) {
	fixture := newServiceFixture()

	summaries, err := fixture.service.Appeals(context.Background(), auth.Claims{UserID: 7}, false)
	if err != nil {
		t.Fatalf("Appeals failed: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("expected empty list, got %+v", summaries)
	}
	if fixture.appeals.listCalled {
		t.Error("no CRM call may happen without a linked contact")
	}
}

func TestAppealsMapsCRMUnavailability(t *testing.T) {
	fixture := newServiceFixture()
	fixture.appeals.err = crm.ErrUnavailable

	_, err := fixture.service.Appeals(context.Background(), auth.Claims{UserID: 7, ContactID: "42"}, false)
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusBadGateway || domainErr.Code != "CRM_UNAVAILABLE" {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestSubmitReplyRequiresEligibility(t *testing.T) {
	fixture := newServiceFixture()
	fixture.appeals.canReply = false

	_, err := fixture.service.SubmitReply(context.Background(), "4001", SubmitReplyInput{Message: "ответ"})
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusUnprocessableEntity {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestSubmitReplyValidatesBeforeAnyRemoteCall(t *testing.T) {
	fixture := newServiceFixture()
	fixture.appeals.canReply = true

	overlong := strings.Repeat("ы", 1501)
	for _, message := range []string{"", "   ", overlong} {
		fixture.appeals.canReplyCalled = false

		_, err := fixture.service.SubmitReply(context.Background(), "4001", SubmitReplyInput{Message: message})
		domainErr := domainErrorOf(t, err)
		if domainErr.Status != http.StatusUnprocessableEntity || domainErr.Code != "VALIDATION_ERROR" {
			t.Errorf("unexpected error %+v", domainErr)
		}
		if fixture.appeals.canReplyCalled {
			t.Errorf("message %.10q: invalid reply must be rejected before the eligibility lookup", message)
		}
	}
}

func TestSubmitReplyPassesThroughWhenEligible(t *testing.T) {
	fixture := newServiceFixture()
	fixture.appeals.canReply = true
	fixture.appeals.entryID = "987"

	entryID, err := fixture.service.SubmitReply(context.Background(), "4001", SubmitReplyInput{Message: "ответ"})
	if err != nil {
		t.Fatalf("SubmitReply failed: %v", err)
	}
	if entryID != "987" {
		t.Errorf("expected entry 987, got %q", entryID)
	}
}

func TestCreateAppealRequiresContact(t *testing.T) {
	fixture := newServiceFixture()

	_, err := fixture.service.CreateAppeal(context.Background(), auth.Claims{UserID: 7}, CreateAppealInput{
		Title: "t", Comment: "c", CategoryID: "5",
	})
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusUnprocessableEntity {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestCreateAppealValidatesInput(t *testing.T) {
	fixture := newServiceFixture()

	_, err := fixture.service.CreateAppeal(context.Background(), auth.Claims{ContactID: "42"}, CreateAppealInput{Title: " "})
	domainErr := domainErrorOf(t, err)
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestCompanyInfoForbiddenForIndividuals(t *testing.T) {
	fixture := newServiceFixture()

	_, err := fixture.service.CompanyInfo(context.Background(), auth.Claims{UserType: store.AccountTypeIndividual})
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusForbidden {
		t.Errorf("unexpected error %+v", domainErr)
	}
}

func TestCompanyInfoInviteTokenOnlyForOwner(t *testing.T) {
	fixture := newServiceFixture()
	fixture.data.companies[3] = store.Company{ID: 3, Name: "ООО Ромашка", InviteToken: "tok123"}

	ownerView, err := fixture.service.CompanyInfo(context.Background(), auth.Claims{
		UserType: store.AccountTypeOrganization, Role: store.RoleOwner, CompanyID: 3,
	})
	if err != nil {
		t.Fatalf("CompanyInfo failed: %v", err)
	}
	if ownerView.InviteToken != "tok123" {
		t.Error("owner must see the invite token")
	}

	employeeView, err := fixture.service.CompanyInfo(context.Background(), auth.Claims{
		UserType: store.AccountTypeOrganization, Role: store.RoleEmployee, CompanyID: 3,
	})
	if err != nil {
		t.Fatalf("CompanyInfo failed: %v", err)
	}
	if employeeView.InviteToken != "" {
		t.Error("employees must not see the invite token")
	}
}

func TestCompanyEmployeesOwnerOnly(t *testing.T) {
	fixture := newServiceFixture()

	_, err := fixture.service.CompanyEmployees(context.Background(), auth.Claims{
		UserType: store.AccountTypeOrganization, Role: store.RoleEmployee, CompanyID: 3,
	})
	domainErr := domainErrorOf(t, err)
	if domainErr.Status != http.StatusForbidden {
		t.Errorf("unexpected error %+v", domainErr)
	}
}
