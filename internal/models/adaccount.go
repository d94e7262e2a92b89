package models

type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "ACTIVE"
	ConnectionExpired      ConnectionStatus = "EXPIRED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// AdAccount is a tenant's connection to an external ad platform. The access
// token is stored encrypted and only decrypted by the live provider.
type AdAccount struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	ExternalID       string           `json:"external_id"`
	Channel          string           `json:"channel"`
	EncryptedSecret  string           `json:"-"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
}

// Connected reports whether the account may be synced.
func (a *AdAccount) Connected() bool {
	return a.ConnectionStatus == ConnectionActive
}
