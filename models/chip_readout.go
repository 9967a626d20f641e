package models

// ChipReadout is the raw content of a passport chip as posted by the companion app
// after it finished the NFC exchange. All values are hex encoded.
type ChipReadout struct {
	DataGroups          map[string]string `json:"data_groups"`
	EFSOD               string            `json:"EF_SOD"`
	Nonce               string            `json:"nonce,omitempty"`
	ActiveAuthSignature string            `json:"active_auth_signature,omitempty"`
}
