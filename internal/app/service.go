package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/6ubble/bip-backend/internal/appeal"
	"github.com/6ubble/bip-backend/internal/auth"
	"github.com/6ubble/bip-backend/internal/authpw"
	"github.com/6ubble/bip-backend/internal/config"
	"github.com/6ubble/bip-backend/internal/crm"
	"github.com/6ubble/bip-backend/internal/register"
	"github.com/6ubble/bip-backend/internal/store"
	"github.com/6ubble/bip-backend/internal/util"
	"go.uber.org/zap"
)

type Session struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

// AccountView is the serializable account representation returned by
// registration and login.
type AccountView struct {
	ID          int64    `json:"id"`
	UserType    string   `json:"user_type"`
	Role        string   `json:"role"`
	FirstName   string   `json:"first_name"`
	SecondName  string   `json:"second_name"`
	LastName    string   `json:"last_name"`
	Position    string   `json:"position,omitempty"`
	Balance     float64  `json:"balance"`
	ContactID   *string  `json:"contact_id,omitempty"`
	CompanyID   *int64   `json:"company_id,omitempty"`
	CompanyName string   `json:"company_name,omitempty"`
	InviteToken string   `json:"invite_token,omitempty"`
}

type dataStore interface {
	GetAccountByID(ctx context.Context, id int64) (store.Account, error)
	GetCompanyByID(ctx context.Context, id int64) (store.Company, error)
	CountEmployees(ctx context.Context, companyID int64) (int, error)
	ListEmployees(ctx context.Context, companyID int64) ([]store.Account, error)
	ListTransactions(ctx context.Context, accountID int64) ([]store.Transaction, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, accountID int64, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (int64, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type registrar interface {
	RegisterIndividual(ctx context.Context, input register.IndividualInput) (register.Result, error)
	RegisterOrganizationOwner(ctx context.Context, input register.OwnerInput) (register.Result, error)
	RegisterEmployee(ctx context.Context, input register.EmployeeInput) (register.Result, error)
}

type appealService interface {
	Snapshot(ctx context.Context, appealID string) (appeal.Snapshot, error)
	HistoryFiles(ctx context.Context, appealID string) ([]appeal.File, error)
	LatestFiles(ctx context.Context, appealID string) ([]appeal.File, error)
	CanReply(ctx context.Context, appealID string) (bool, error)
	SubmitReply(ctx context.Context, appealID, message string, files []appeal.ReplyFile) (string, error)
	List(ctx context.Context, contactID string, onlyOpen bool) ([]appeal.Summary, error)
	Create(ctx context.Context, contactID string, input appeal.CreateInput) (appeal.Created, error)
	FileContent(ctx context.Context, fileID string) (appeal.File, []byte, error)
}

type passwordService interface {
	Login(ctx context.Context, emailOrPhone, password string) (store.Account, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	registrar registrar
	appeals   appealService
	passwords passwordService
	logger    *zap.Logger
}

func New(cfg config.Config, st dataStore, sessions sessionStore, reg registrar, appeals appealService, passwords passwordService, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		registrar: reg,
		appeals:   appeals,
		passwords: passwords,
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type RegisterIndividualInput struct {
	FirstName  string `json:"first_name"`
	SecondName string `json:"second_name"`
	LastName   string `json:"last_name"`
	Birthdate  string `json:"birthdate"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type RegisterOrganizationInput struct {
	CompanyName string `json:"company_name"`
	TaxID       string `json:"tax_id"`
	FirstName   string `json:"first_name"`
	SecondName  string `json:"second_name"`
	LastName    string `json:"last_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type RegisterEmployeeInput struct {
	FirstName   string `json:"first_name"`
	SecondName  string `json:"second_name"`
	LastName    string `json:"last_name"`
	Position    string `json:"position"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	InviteToken string `json:"invite_token"`
}

func (s *Service) RegisterIndividual(ctx context.Context, input RegisterIndividualInput) (AccountView, Session, error) {
	hash, err := authpw.HashPassword(input.Password)
	if err != nil {
		return AccountView{}, Session{}, err
	}

	sagaInput := register.IndividualInput{
		FirstName:    strings.TrimSpace(input.FirstName),
		SecondName:   strings.TrimSpace(input.SecondName),
		LastName:     strings.TrimSpace(input.LastName),
		Phone:        input.Phone,
		Email:        strings.ToLower(strings.TrimSpace(input.Email)),
		PasswordHash: hash,
	}
	if input.Birthdate != "" {
		birthdate, err := time.Parse("2006-01-02", input.Birthdate)
		if err != nil {
			return AccountView{}, Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "birthdate must be YYYY-MM-DD", nil)
		}
		sagaInput.Birthdate = &birthdate
	}

	result, err := s.registrar.RegisterIndividual(ctx, sagaInput)
	if err != nil {
		return AccountView{}, Session{}, mapRegistrationError(err)
	}
	return s.finishRegistration(ctx, result)
}

func (s *Service) RegisterOrganizationOwner(ctx context.Context, input RegisterOrganizationInput) (AccountView, Session, error) {
	hash, err := authpw.HashPassword(input.Password)
	if err != nil {
		return AccountView{}, Session{}, err
	}

	result, err := s.registrar.RegisterOrganizationOwner(ctx, register.OwnerInput{
		CompanyName:  strings.TrimSpace(input.CompanyName),
		TaxID:        strings.TrimSpace(input.TaxID),
		FirstName:    strings.TrimSpace(input.FirstName),
		SecondName:   strings.TrimSpace(input.SecondName),
		LastName:     strings.TrimSpace(input.LastName),
		Phone:        input.Phone,
		Email:        strings.ToLower(strings.TrimSpace(input.Email)),
		PasswordHash: hash,
	})
	if err != nil {
		return AccountView{}, Session{}, mapRegistrationError(err)
	}
	return s.finishRegistration(ctx, result)
}

func (s *Service) RegisterEmployee(ctx context.Context, input RegisterEmployeeInput) (AccountView, Session, error) {
	hash, err := authpw.HashPassword(input.Password)
	if err != nil {
		return AccountView{}, Session{}, err
	}

	result, err := s.registrar.RegisterEmployee(ctx, register.EmployeeInput{
		FirstName:    strings.TrimSpace(input.FirstName),
		SecondName:   strings.TrimSpace(input.SecondName),
		LastName:     strings.TrimSpace(input.LastName),
		Position:     strings.TrimSpace(input.Position),
		Phone:        input.Phone,
		Email:        strings.ToLower(strings.TrimSpace(input.Email)),
		PasswordHash: hash,
		InviteToken:  strings.TrimSpace(input.InviteToken),
	})
	if err != nil {
		return AccountView{}, Session{}, mapRegistrationError(err)
	}
	return s.finishRegistration(ctx, result)
}

func (s *Service) finishRegistration(ctx context.Context, result register.Result) (AccountView, Session, error) {
	view := accountView(result.Account, result.Company)
	// The invite token is handed out once, on owner registration.
	if result.Company != nil && result.Account.Role == store.RoleOwner {
		view.InviteToken = result.Company.InviteToken
	}

	session, err := s.issueSession(ctx, result.Account)
	if err != nil {
		return AccountView{}, Session{}, err
	}
	return view, session, nil
}

func mapRegistrationError(err error) error {
	switch {
	case errors.Is(err, register.ErrDuplicateIdentity):
		return domainError(http.StatusConflict, "DUPLICATE_IDENTITY", "Phone or email already registered", nil)
	case errors.Is(err, register.ErrInviteNotFound):
		return domainError(http.StatusNotFound, "INVITE_NOT_FOUND", "No company matches this invite token", nil)
	case errors.Is(err, register.ErrMirrorFailed):
		return domainError(http.StatusBadGateway, "CRM_UNAVAILABLE", "Company registration could not be completed", nil)
	default:
		return err
	}
}

func (s *Service) Login(ctx context.Context, emailOrPhone, password string) (AccountView, Session, error) {
	account, err := s.passwords.Login(ctx, strings.TrimSpace(emailOrPhone), password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return AccountView{}, Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid login or password", nil)
		}
		return AccountView{}, Session{}, err
	}

	var company *store.Company
	if account.CompanyID != nil {
		if c, err := s.store.GetCompanyByID(ctx, *account.CompanyID); err == nil {
			company = &c
		}
	}

	session, err := s.issueSession(ctx, account)
	if err != nil {
		return AccountView{}, Session{}, err
	}
	return accountView(account, company), session, nil
}

func (s *Service) issueSession(ctx context.Context, account store.Account) (Session, error) {
	claims := auth.Claims{
		UserID:     account.ID,
		UserType:   account.Type,
		Role:       account.Role,
		FirstName:  account.FirstName,
		SecondName: account.SecondName,
		LastName:   account.LastName,
		Position:   account.Position,
	}
	if account.ExternalContactID != nil {
		claims.ContactID = *account.ExternalContactID
	}
	if account.CompanyID != nil {
		claims.CompanyID = *account.CompanyID
	}

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refreshToken := util.NewID("")
	expiresAt := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), account.ID, expiresAt); err != nil {
		return Session{}, err
	}

	return Session{Token: token, RefreshToken: refreshToken, ExpiresAt: expiresAt}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AccountView, Session, error) {
	accountID, err := s.sessions.LookupRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return AccountView{}, Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}

	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return AccountView{}, Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}

	// Rotate: the presented token is spent regardless of what happens next.
	_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))

	var company *store.Company
	if account.CompanyID != nil {
		if c, err := s.store.GetCompanyByID(ctx, *account.CompanyID); err == nil {
			company = &c
		}
	}

	session, err := s.issueSession(ctx, account)
	if err != nil {
		return AccountView{}, Session{}, err
	}
	return accountView(account, company), session, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) SessionFromToken(token string) (auth.Claims, error) {
	return auth.ParseToken([]byte(s.cfg.JWTSecret), token)
}

// Appeals lists the caller's appeals; callers without a linked CRM contact
// have none by definition.
func (s *Service) Appeals(ctx context.Context, claims auth.Claims, includeClosed bool) ([]appeal.Summary, error) {
	if claims.ContactID == "" {
		return []appeal.Summary{}, nil
	}
	summaries, err := s.appeals.List(ctx, claims.ContactID, !includeClosed)
	if err != nil {
		return nil, mapCRMError(err)
	}
	return summaries, nil
}

func (s *Service) AppealSnapshot(ctx context.Context, appealID string) (appeal.Snapshot, error) {
	snapshot, err := s.appeals.Snapshot(ctx, appealID)
	if err != nil {
		return appeal.Snapshot{}, mapCRMError(err)
	}
	return snapshot, nil
}

func (s *Service) AppealFiles(ctx context.Context, appealID string, latestOnly bool) ([]appeal.File, error) {
	var files []appeal.File
	var err error
	if latestOnly {
		files, err = s.appeals.LatestFiles(ctx, appealID)
	} else {
		files, err = s.appeals.HistoryFiles(ctx, appealID)
	}
	if err != nil {
		return nil, mapCRMError(err)
	}
	if files == nil {
		files = []appeal.File{}
	}
	return files, nil
}

type SubmitReplyInput struct {
	Message string             `json:"message"`
	Files   []appeal.ReplyFile `json:"files"`
}

func (s *Service) SubmitReply(ctx context.Context, appealID string, input SubmitReplyInput) (string, error) {
	// An invalid message is rejected before any CRM round-trip, including the
	// eligibility lookup.
	message, err := appeal.ValidateReply(input.Message)
	if err != nil {
		var invalid *appeal.ErrInvalidReply
		if errors.As(err, &invalid) {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", invalid.Reason, nil)
		}
		return "", err
	}

	eligible, err := s.appeals.CanReply(ctx, appealID)
	if err != nil {
		return "", mapCRMError(err)
	}
	if !eligible {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Appeal is not awaiting a customer reply", nil)
	}

	entryID, err := s.appeals.SubmitReply(ctx, appealID, message, input.Files)
	if err != nil {
		var invalid *appeal.ErrInvalidReply
		if errors.As(err, &invalid) {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", invalid.Reason, nil)
		}
		return "", mapCRMError(err)
	}
	return entryID, nil
}

type CreateAppealInput struct {
	Title      string             `json:"title"`
	Comment    string             `json:"comment"`
	CategoryID string             `json:"category_id"`
	Files      []appeal.ReplyFile `json:"files"`
}

func (s *Service) CreateAppeal(ctx context.Context, claims auth.Claims, input CreateAppealInput) (appeal.Created, error) {
	if claims.ContactID == "" {
		return appeal.Created{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Account has no linked CRM contact", nil)
	}
	if strings.TrimSpace(input.Title) == "" || strings.TrimSpace(input.Comment) == "" || input.CategoryID == "" {
		return appeal.Created{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title, comment and category_id are required", nil)
	}

	created, err := s.appeals.Create(ctx, claims.ContactID, appeal.CreateInput{
		Title:      strings.TrimSpace(input.Title),
		Comment:    strings.TrimSpace(input.Comment),
		CategoryID: input.CategoryID,
		Files:      input.Files,
	})
	if err != nil {
		return appeal.Created{}, mapCRMError(err)
	}
	return created, nil
}

func (s *Service) FileContent(ctx context.Context, fileID string) (appeal.File, []byte, error) {
	meta, content, err := s.appeals.FileContent(ctx, fileID)
	if err != nil {
		return appeal.File{}, nil, mapCRMError(err)
	}
	return meta, content, nil
}

// CompanyView is the serializable company profile.
type CompanyView struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	TaxID          string  `json:"tax_id"`
	Phone          string  `json:"phone"`
	Email          string  `json:"email"`
	Balance        float64 `json:"balance"`
	EmployeesCount int     `json:"employees_count"`
	InviteToken    string  `json:"invite_token,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func (s *Service) CompanyInfo(ctx context.Context, claims auth.Claims) (CompanyView, error) {
	if claims.UserType != store.AccountTypeOrganization {
		return CompanyView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Available to organization accounts only", nil)
	}
	if claims.CompanyID == 0 {
		return CompanyView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Account has no company", nil)
	}

	company, err := s.store.GetCompanyByID(ctx, claims.CompanyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CompanyView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found", nil)
		}
		return CompanyView{}, err
	}

	count, err := s.store.CountEmployees(ctx, company.ID)
	if err != nil {
		return CompanyView{}, err
	}

	view := CompanyView{
		ID:             company.ID,
		Name:           company.Name,
		TaxID:          company.TaxID,
		Phone:          company.Phone,
		Email:          company.Email,
		Balance:        company.Balance,
		EmployeesCount: count,
		CreatedAt:      company.CreatedAt.Format(time.RFC3339),
	}
	// Only the owner sees the invite token.
	if claims.Role == store.RoleOwner {
		view.InviteToken = company.InviteToken
	}
	return view, nil
}

// EmployeeView is one row in the company employee listing.
type EmployeeView struct {
	ID         int64   `json:"id"`
	FullName   string  `json:"full_name"`
	FirstName  string  `json:"first_name"`
	SecondName string  `json:"second_name"`
	LastName   string  `json:"last_name"`
	Phone      string  `json:"phone"`
	Email      string  `json:"email"`
	Role       string  `json:"role"`
	Position   string  `json:"position"`
	Balance    float64 `json:"balance"`
	CreatedAt  string  `json:"created_at"`
}

func (s *Service) CompanyEmployees(ctx context.Context, claims auth.Claims) ([]EmployeeView, error) {
	if claims.Role != store.RoleOwner {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner may list employees", nil)
	}
	if claims.CompanyID == 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Account has no company", nil)
	}

	employees, err := s.store.ListEmployees(ctx, claims.CompanyID)
	if err != nil {
		return nil, err
	}

	views := make([]EmployeeView, 0, len(employees))
	for _, employee := range employees {
		views = append(views, EmployeeView{
			ID:         employee.ID,
			FullName:   strings.TrimSpace(employee.LastName + " " + employee.FirstName + " " + employee.SecondName),
			FirstName:  employee.FirstName,
			SecondName: employee.SecondName,
			LastName:   employee.LastName,
			Phone:      employee.Phone,
			Email:      employee.Email,
			Role:       employee.Role,
			Position:   employee.Position,
			Balance:    employee.Balance,
			CreatedAt:  employee.CreatedAt.Format(time.RFC3339),
		})
	}
	return views, nil
}

// TransactionView is one balance movement.
type TransactionView struct {
	ID        int64   `json:"id"`
	Amount    float64 `json:"amount"`
	Type      string  `json:"transaction_type"`
	CreatedAt string  `json:"created_at"`
}

func (s *Service) Transactions(ctx context.Context, claims auth.Claims) ([]TransactionView, error) {
	transactions, err := s.store.ListTransactions(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]TransactionView, 0, len(transactions))
	for _, tx := range transactions {
		views = append(views, TransactionView{
			ID:        tx.ID,
			Amount:    tx.Amount,
			Type:      tx.Type,
			CreatedAt: tx.CreatedAt.Format(time.RFC3339),
		})
	}
	return views, nil
}

func mapCRMError(err error) error {
	if errors.Is(err, crm.ErrUnavailable) {
		return domainError(http.StatusBadGateway, "CRM_UNAVAILABLE", "CRM request failed", nil)
	}
	return err
}

func accountView(account store.Account, company *store.Company) AccountView {
	view := AccountView{
		ID:         account.ID,
		UserType:   account.Type,
		Role:       account.Role,
		FirstName:  account.FirstName,
		SecondName: account.SecondName,
		LastName:   account.LastName,
		Position:   account.Position,
		Balance:    account.Balance,
		ContactID:  account.ExternalContactID,
		CompanyID:  account.CompanyID,
	}
	if company != nil {
		view.CompanyName = company.Name
	}
	return view
}
