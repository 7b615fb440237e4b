package payment

const (
	maxNameLength  = 100
	maxEmailLength = 80
)

// ContactData is the customer contact information forwarded to a plugin.
type ContactData struct {
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	ExternalKey string `json:"externalKey,omitempty"`
}

// NewContactData truncates names to 100 and the email to 80 characters.
func NewContactData(firstName, lastName, email, phoneNumber, externalKey string) ContactData {
	return ContactData{
		FirstName:   truncate(firstName, maxNameLength),
		LastName:    truncate(lastName, maxNameLength),
		Email:       truncate(email, maxEmailLength),
		PhoneNumber: phoneNumber,
		ExternalKey: externalKey,
	}
}

// Properties flattens the contact into plugin request properties.
func (c ContactData) Properties() map[string]string {
	props := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			props[k] = v
		}
	}
	set("contact.first_name", c.FirstName)
	set("contact.last_name", c.LastName)
	set("contact.email", c.Email)
	set("contact.phone_number", c.PhoneNumber)
	set("contact.external_key", c.ExternalKey)
	return props
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
