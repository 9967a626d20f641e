package models

import "time"

type PassportRecord struct {
	Photo                 string    `json:"photo,omitempty"` // base64 PNG, optional
	DocumentNumber        string    `json:"document_number"`
	DocumentType          string    `json:"document_type"`
	FirstName             string    `json:"first_name"`
	LastName              string    `json:"last_name"`
	Nationality           string    `json:"nationality"`
	IssuingState          string    `json:"issuing_state"`
	Gender                string    `json:"gender"`
	DateOfBirth           time.Time `json:"date_of_birth"`
	DateOfExpiry          time.Time `json:"date_of_expiry"`
	IsExpired             bool      `json:"is_expired"`
	PassiveAuthentication bool      `json:"passive_authentication"`
	ActiveAuthentication  bool      `json:"active_authentication"`
}
