package main

import (
	"crypto/rsa"
	"os"
	"strings"
	"time"

	"go-passport-reader/models"

	"github.com/golang-jwt/jwt/v4"
	irma "github.com/privacybydesign/irmago"
)

// JwtCreator signs the hand-off of a scanned record to an IRMA server.
type JwtCreator interface {
	CreateRecordJwt(record models.PassportRecord) (jwt string, err error)
}

func NewIrmaJwtCreator(privateKeyPath string,
	issuerId string,
	credential string,
	sdJwtBatchSize uint,
) (*DefaultJwtCreator, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)

	if err != nil {
		return nil, err
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)

	if err != nil {
		return nil, err
	}

	return &DefaultJwtCreator{
		issuerId:       issuerId,
		privateKey:     privateKey,
		credential:     credential,
		sdJwtBatchSize: sdJwtBatchSize,
		now:            time.Now,
	}, nil
}

type DefaultJwtCreator struct {
	privateKey     *rsa.PrivateKey
	issuerId       string
	credential     string
	sdJwtBatchSize uint
	now            func() time.Time
}

var euCountries = []string{
	"AUT", "BEL", "BGR", "HRV", "CYP",
	"CZE", "DNK", "EST", "FIN", "FRA",
	// Germany has D instead of the expected DEU.
	"D", "GRC", "HUN", "IRL", "ITA",
	"LVA", "LTU", "LUX", "MLT", "NLD",
	"POL", "PRT", "ROU", "SVK", "SVN",
	"ESP", "SWE",
}

func IsEuCitizen(nationality string) bool {
	for _, country := range euCountries {
		if strings.ToUpper(nationality) == country {
			return true
		}
	}
	return false
}

func BoolToYesNo(value bool) string {
	if value {
		return "Yes"
	}
	return "No"
}

const DATE_FORMAT_CYMD = "2006-01-02"
const DATE_FORMAT_YEAR = "2006"

// RecordAttributes maps a record onto the attributes of the passport credential.
func RecordAttributes(record models.PassportRecord, now time.Time) map[string]string {
	olderThan := func(years int) string {
		return BoolToYesNo(record.DateOfBirth.Before(now.AddDate(-years, 0, 0)))
	}

	return map[string]string{
		"photo":                 record.Photo,
		"documentNumber":        record.DocumentNumber,
		"documentType":          record.DocumentType,
		"firstName":             record.FirstName,
		"lastName":              record.LastName,
		"nationality":           record.Nationality,
		"isEuCitizen":           BoolToYesNo(IsEuCitizen(record.Nationality)),
		"dateOfBirth":           record.DateOfBirth.Format(DATE_FORMAT_CYMD),
		"yearOfBirth":           record.DateOfBirth.Format(DATE_FORMAT_YEAR),
		"dateOfExpiry":          record.DateOfExpiry.Format(DATE_FORMAT_CYMD),
		"gender":                record.Gender,
		"country":               record.IssuingState,
		"over12":                olderThan(12),
		"over16":                olderThan(16),
		"over18":                olderThan(18),
		"over21":                olderThan(21),
		"over65":                olderThan(65),
		"passiveAuthentication": BoolToYesNo(record.PassiveAuthentication),
		"activeAuthentication":  BoolToYesNo(record.ActiveAuthentication),
	}
}

func (jc *DefaultJwtCreator) CreateRecordJwt(record models.PassportRecord) (string, error) {
	issuanceRequest := jc.createIssuanceRequest(RecordAttributes(record, jc.now()))

	return irma.SignSessionRequest(
		issuanceRequest,
		jwt.GetSigningMethod(jwt.SigningMethodRS256.Alg()),
		jc.privateKey,
		jc.issuerId,
	)
}

// createIssuanceRequest is split off so tests can inspect the request.
func (jc *DefaultJwtCreator) createIssuanceRequest(attributes map[string]string) *irma.IssuanceRequest {
	validity := irma.Timestamp(time.Unix(jc.now().AddDate(1, 0, 0).Unix(), 0))

	return irma.NewIssuanceRequest([]*irma.CredentialRequest{
		{
			CredentialTypeID: irma.NewCredentialTypeIdentifier(jc.credential),
			Attributes:       attributes,
			SdJwtBatchSize:   jc.sdJwtBatchSize,
			Validity:         &validity,
		},
	})
}
