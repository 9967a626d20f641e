package reader

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go-passport-reader/images"
	"go-passport-reader/models"

	activeAuth "github.com/gmrtd/gmrtd/activeauth"
	"github.com/gmrtd/gmrtd/cms"
	"github.com/gmrtd/gmrtd/document"
	"github.com/gmrtd/gmrtd/passiveauth"
	"github.com/gmrtd/gmrtd/utils"
)

// parseOptionalDataGroup parses an optional data group and logs errors gracefully
func parseOptionalDataGroup[T any](dgName string, data []byte, parseFunc func([]byte) (*T, error)) *T {
	result, err := parseFunc(data)
	if err != nil {
		slog.Info("Skipping data group due to parsing error", "data_group", dgName, "error", err)
		return nil
	}
	return result
}

// parseDataGroups fills doc from the hex encoded data groups of a readout.
// progress is called once for every data group before it is parsed.
func parseDataGroups(doc *document.Document, dataGroups map[string]string, progress func(dg string)) error {
	var err error

	for dg, hexData := range dataGroups {
		progress(dg)
		dataGroupBytes := utils.HexToBytes(hexData)

		switch dg {
		case "DG1":
			doc.Mf.Lds1.Dg1, err = document.NewDG1(dataGroupBytes)
			if err != nil {
				return fmt.Errorf("failed to create DG1 (mandatory): %w", err)
			}
		case "DG2":
			doc.Mf.Lds1.Dg2, err = document.NewDG2(dataGroupBytes)
			if err != nil {
				return fmt.Errorf("failed to create DG2 (mandatory): %w", err)
			}
		case "DG7":
			doc.Mf.Lds1.Dg7 = parseOptionalDataGroup("DG7", dataGroupBytes, document.NewDG7)
		case "DG11":
			doc.Mf.Lds1.Dg11 = parseOptionalDataGroup("DG11", dataGroupBytes, document.NewDG11)
		case "DG12":
			doc.Mf.Lds1.Dg12 = parseOptionalDataGroup("DG12", dataGroupBytes, document.NewDG12)
		case "DG13":
			doc.Mf.Lds1.Dg13 = parseOptionalDataGroup("DG13", dataGroupBytes, document.NewDG13)
		case "DG14":
			doc.Mf.Lds1.Dg14 = parseOptionalDataGroup("DG14", dataGroupBytes, document.NewDG14)
		case "DG15":
			doc.Mf.Lds1.Dg15, err = document.NewDG15(dataGroupBytes)
			if err != nil {
				return fmt.Errorf("failed to create DG15 (mandatory if provided): %w", err)
			}
		case "DG16":
			doc.Mf.Lds1.Dg16 = parseOptionalDataGroup("DG16", dataGroupBytes, document.NewDG16)
		default:
			slog.Debug("Ignoring unsupported data group", "data_group", dg)
		}
	}

	if doc.Mf.Lds1.Dg1 == nil {
		return fmt.Errorf("DG1 is mandatory but was not provided")
	}
	if doc.Mf.Lds1.Dg2 == nil {
		return fmt.Errorf("DG2 is mandatory but was not provided")
	}
	return nil
}

// buildDocument parses the SOD and data groups of a readout.
func buildDocument(readout models.ChipReadout, progress func(dg string)) (document.Document, error) {
	var doc document.Document
	var err error

	if len(readout.DataGroups) == 0 {
		return document.Document{}, fmt.Errorf("no data groups found")
	}
	if readout.EFSOD == "" {
		return document.Document{}, fmt.Errorf("EF_SOD is missing in the chip readout")
	}

	doc.Mf.Lds1.Sod, err = document.NewSOD(utils.HexToBytes(readout.EFSOD))
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to create SOD: %w", err)
	}

	if err := parseDataGroups(&doc, readout.DataGroups, progress); err != nil {
		return document.Document{}, fmt.Errorf("failed to parse passport DGs: %w", err)
	}
	return doc, nil
}

// passiveAuthentication reports whether the SOD hashes and signature chain
// verify against the master list.
func passiveAuthentication(doc *document.Document, certPool cms.CertPool) bool {
	slog.Info("Starting passive authentication", "issuing_state", doc.Mf.Lds1.Dg1.Mrz.IssuingState)

	res, err := passiveauth.PassiveAuth(doc, certPool)
	if err != nil {
		slog.Warn("Passive authentication failed", "error", err)
		return false
	}
	if !res.Success {
		slog.Warn("Passive authentication failed")
		return false
	}
	return true
}

// activeAuthentication verifies the chip's signature over the nonce. Readouts
// without DG15, nonce or signature are reported as not actively authenticated.
func activeAuthentication(readout models.ChipReadout, doc *document.Document) (bool, error) {
	if readout.Nonce == "" || readout.ActiveAuthSignature == "" || doc.Mf.Lds1.Dg15 == nil {
		return false, nil
	}

	slog.Info("Starting active authentication signature validation")

	res, err := activeAuth.ValidateActiveAuthSignature(
		doc.Mf.Lds1.Dg15,
		utils.HexToBytes(readout.ActiveAuthSignature),
		utils.HexToBytes(readout.Nonce),
	)
	if err != nil {
		return false, fmt.Errorf("failed to validate active authentication signature: %w", err)
	}
	if !res.Success {
		return false, fmt.Errorf("active authentication failed")
	}
	return true, nil
}

// holderNames prefers the full names of DG11 over the truncated MRZ names of DG1.
func holderNames(doc *document.Document) (firstName, lastName string) {
	firstName = doc.Mf.Lds1.Dg1.Mrz.NameOfHolder.Secondary
	lastName = doc.Mf.Lds1.Dg1.Mrz.NameOfHolder.Primary

	if doc.Mf.Lds1.Dg11 == nil || doc.Mf.Lds1.Dg11.Details.NameOfHolder == nil {
		return firstName, lastName
	}
	name := doc.Mf.Lds1.Dg11.Details.NameOfHolder
	if strings.TrimSpace(name.Primary) == "" && strings.TrimSpace(name.Secondary) == "" {
		return firstName, lastName
	}
	return name.Secondary, name.Primary
}

func toPassportRecord(doc *document.Document, passive, active bool, now time.Time) (*models.PassportRecord, error) {
	dg1 := doc.Mf.Lds1.Dg1.Mrz

	dob, err := ParseDateOfBirth(dg1.DateOfBirth, now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse date of birth: %w", err)
	}
	doe, err := ParseExpiryDate(dg1.DateOfExpiry, now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse date of expiry: %w", err)
	}

	firstName, lastName := holderNames(doc)
	record := &models.PassportRecord{
		DocumentNumber:        dg1.DocumentNumber,
		DocumentType:          dg1.DocumentCode,
		FirstName:             firstName,
		LastName:              lastName,
		Nationality:           dg1.Nationality,
		IssuingState:          dg1.IssuingState,
		Gender:                dg1.Sex,
		DateOfBirth:           dob,
		DateOfExpiry:          doe,
		IsExpired:             doe.Before(now),
		PassiveAuthentication: passive,
		ActiveAuthentication:  active,
	}

	photo, err := images.FacePhoto(doc.Mf.Lds1.Dg2, images.DefaultPhotoOptions)
	if err != nil {
		slog.Warn("Could not convert face image", "error", err)
	} else {
		record.Photo = photo
	}
	return record, nil
}
