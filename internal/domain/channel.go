package domain

type (
	ChannelName string
	AppID       string
)

// Credentials authorize a join against the hosted relay. The token is
// pre-generated and never refreshed by this module.
type Credentials struct {
	AppID AppID
	Token string
}
