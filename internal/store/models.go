package store

import "time"

// Account types mirror the registration shapes. Owners and employees both
// belong to a company; only owners hold the invite token.
const (
	AccountTypeIndividual   = "individual"
	AccountTypeOrganization = "organization"

	RoleCustomer = "customer"
	RoleOwner    = "owner"
	RoleEmployee = "employee"
)

type Account struct {
	ID                int64
	Type              string
	Role              string
	FirstName         string
	SecondName        string
	LastName          string
	Position          string
	Birthdate         *time.Time
	Phone             string
	Email             string
	PasswordHash      string
	Balance           float64
	ExternalContactID *string
	CompanyID         *int64
	CreatedAt         time.Time
}

type Company struct {
	ID                int64
	Name              string
	TaxID             string
	InviteToken       string
	Phone             string
	Email             string
	Balance           float64
	ExternalCompanyID *string
	CreatorID         int64
	CreatedAt         time.Time
}

type Transaction struct {
	ID        int64
	AccountID int64
	Amount    float64
	Type      string
	CreatedAt time.Time
}
