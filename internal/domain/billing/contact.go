package billing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContactType names the kind of party a document bills.
type ContactType string

const (
	ContactPatient ContactType = "patient"
	ContactCompany ContactType = "company"
)

// Contact is either Patient(id) or Company(id). The zero value is not a valid contact;
// build one with PatientContact, CompanyContact, NewContact or ResolveContact.
type Contact struct {
	kind ContactType
	id   string
}

func PatientContact(id string) Contact { return Contact{kind: ContactPatient, id: id} }

func CompanyContact(id string) Contact { return Contact{kind: ContactCompany, id: id} }

// NewContact rebuilds a contact from its stored parts.
func NewContact(kind ContactType, id string) (Contact, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Contact{}, &ContactRequiredError{Reason: "contact id is empty"}
	}
	switch kind {
	case ContactPatient:
		return PatientContact(id), nil
	case ContactCompany:
		return CompanyContact(id), nil
	}
	return Contact{}, &ContactRequiredError{Reason: fmt.Sprintf("unknown contact type %q", kind)}
}

func (c Contact) Type() ContactType { return c.kind }
func (c Contact) ID() string        { return c.id }
func (c Contact) IsZero() bool      { return c.kind == "" || c.id == "" }

func (c Contact) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return string(c.kind) + "/" + c.id
}

func (c Contact) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type ContactType `json:"type"`
		ID   string      `json:"id"`
	}{c.kind, c.id})
}

// ResolveContact enforces that exactly one of patientID and companyID is present and
// normalizes it into a Contact. contactType may be empty, in which case the populated
// reference decides; when given it must agree with the populated reference.
func ResolveContact(contactType, patientID, companyID string) (Contact, error) {
	patientID = strings.TrimSpace(patientID)
	companyID = strings.TrimSpace(companyID)

	if patientID != "" && companyID != "" {
		return Contact{}, &ContactRequiredError{Reason: "exactly one of patientId or companyId must be set, got both"}
	}

	kind, err := parseContactType(contactType)
	if err != nil {
		return Contact{}, err
	}
	if kind == "" {
		switch {
		case patientID != "":
			kind = ContactPatient
		case companyID != "":
			kind = ContactCompany
		default:
			return Contact{}, &ContactRequiredError{Reason: "a patientId or companyId is required"}
		}
	}

	switch kind {
	case ContactPatient:
		if patientID == "" {
			return Contact{}, &ContactRequiredError{Reason: "patientId is required for a patient contact"}
		}
		return PatientContact(patientID), nil
	default:
		if companyID == "" {
			return Contact{}, &ContactRequiredError{Reason: "companyId is required for a company contact"}
		}
		return CompanyContact(companyID), nil
	}
}

func parseContactType(raw string) (ContactType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "patient", "individual":
		return ContactPatient, nil
	case "company", "organisation", "organization", "funder":
		return ContactCompany, nil
	}
	return "", &ContactRequiredError{Reason: fmt.Sprintf("unknown contactType %q", raw)}
}
