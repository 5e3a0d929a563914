package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate reports a unique-constraint violation (phone, email, tax id or
// invite token already taken).
var ErrDuplicate = errors.New("duplicate row")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const accountColumns = `id, account_type, role, first_name, second_name, last_name,
	COALESCE(position, ''), birthdate, phone, email, password_hash, balance,
	external_contact_id, company_id, created_at`

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Type, &a.Role, &a.FirstName, &a.SecondName, &a.LastName,
		&a.Position, &a.Birthdate, &a.Phone, &a.Email, &a.PasswordHash, &a.Balance,
		&a.ExternalContactID, &a.CompanyID, &a.CreatedAt)
	return a, err
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, id int64) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
	return scanAccount(row)
}

// GetAccountByLogin finds an account by email or phone, whichever matches.
func (s *PostgresStore) GetAccountByLogin(ctx context.Context, emailOrPhone string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email=$1 OR phone=$1`, emailOrPhone)
	return scanAccount(row)
}

// AccountExists reports whether any account already holds the phone or email.
func (s *PostgresStore) AccountExists(ctx context.Context, phone, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE phone=$1 OR email=$2)`, phone, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check account exists: %w", err)
	}
	return exists, nil
}

// CreateAccount inserts one account row in its own transaction. The write and
// nothing else: external mirroring never shares this transaction.
func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) (Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, fmt.Errorf("begin create account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := insertAccount(ctx, tx, account)
	if err != nil {
		return Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("commit create account: %w", err)
	}
	return created, nil
}

// CreateAccountWithCompany inserts the owner account and its company in one
// transaction and links the two.
func (s *PostgresStore) CreateAccountWithCompany(ctx context.Context, account Account, company Company) (Account, Company, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, Company{}, fmt.Errorf("begin create owner: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := insertAccount(ctx, tx, account)
	if err != nil {
		return Account{}, Company{}, err
	}

	company.CreatorID = created.ID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO companies (name, tax_id, invite_token, phone, email, balance, creator_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, company.Name, company.TaxID, company.InviteToken, company.Phone, company.Email,
		company.Balance, company.CreatorID).Scan(&company.ID, &company.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, Company{}, fmt.Errorf("insert company: %w", ErrDuplicate)
		}
		return Account{}, Company{}, fmt.Errorf("insert company: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET company_id=$1 WHERE id=$2`, company.ID, created.ID); err != nil {
		return Account{}, Company{}, fmt.Errorf("link account to company: %w", err)
	}
	created.CompanyID = &company.ID

	if err := tx.Commit(); err != nil {
		return Account{}, Company{}, fmt.Errorf("commit create owner: %w", err)
	}
	return created, company, nil
}

func insertAccount(ctx context.Context, tx *sql.Tx, account Account) (Account, error) {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO accounts (
			account_type, role, first_name, second_name, last_name, position,
			birthdate, phone, email, password_hash, balance, external_contact_id, company_id
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at
	`, account.Type, account.Role, account.FirstName, account.SecondName, account.LastName,
		account.Position, account.Birthdate, account.Phone, account.Email, account.PasswordHash,
		account.Balance, account.ExternalContactID, account.CompanyID).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, fmt.Errorf("insert account: %w", ErrDuplicate)
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

// DeleteAccountAndCompany is the compensating write for the owner saga: it
// removes the rows committed before external mirroring failed.
func (s *PostgresStore) DeleteAccountAndCompany(ctx context.Context, accountID, companyID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compensation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The account references the company, so unlink before deleting it.
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET company_id=NULL WHERE id=$1`, accountID); err != nil {
		return fmt.Errorf("unlink account: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM companies WHERE id=$1`, companyID); err != nil {
		return fmt.Errorf("delete company: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id=$1`, accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compensation: %w", err)
	}
	return nil
}

// SetAccountExternalContact backfills the mirrored CRM contact id once known.
func (s *PostgresStore) SetAccountExternalContact(ctx context.Context, accountID int64, contactID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET external_contact_id=$1 WHERE id=$2`, contactID, accountID)
	if err != nil {
		return fmt.Errorf("set external contact: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCompanyExternalID(ctx context.Context, companyID int64, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE companies SET external_company_id=$1 WHERE id=$2`, externalID, companyID)
	if err != nil {
		return fmt.Errorf("set external company: %w", err)
	}
	return nil
}

const companyColumns = `id, name, tax_id, invite_token, phone, email, balance,
	external_company_id, creator_id, created_at`

func scanCompany(row *sql.Row) (Company, error) {
	var c Company
	err := row.Scan(&c.ID, &c.Name, &c.TaxID, &c.InviteToken, &c.Phone, &c.Email,
		&c.Balance, &c.ExternalCompanyID, &c.CreatorID, &c.CreatedAt)
	return c, err
}

func (s *PostgresStore) GetCompanyByID(ctx context.Context, id int64) (Company, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE id=$1`, id)
	return scanCompany(row)
}

func (s *PostgresStore) GetCompanyByInviteToken(ctx context.Context, token string) (Company, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE invite_token=$1`, token)
	return scanCompany(row)
}

func (s *PostgresStore) CountEmployees(ctx context.Context, companyID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE company_id=$1`, companyID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count employees: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListEmployees(ctx context.Context, companyID int64) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE company_id=$1
		ORDER BY CASE role WHEN 'owner' THEN 1 WHEN 'employee' THEN 2 ELSE 3 END, created_at DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var employees []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Type, &a.Role, &a.FirstName, &a.SecondName, &a.LastName,
			&a.Position, &a.Birthdate, &a.Phone, &a.Email, &a.PasswordHash, &a.Balance,
			&a.ExternalContactID, &a.CompanyID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		employees = append(employees, a)
	}
	return employees, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID int64) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, transaction_type, created_at
		FROM transactions
		WHERE account_id=$1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &tx.Type, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
