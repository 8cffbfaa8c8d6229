package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCredentials_RedactedMasksEveryField(t *testing.T) {
	c := Credentials{Username: "shop", Email: "ops@shop.tn", Password: "pw", APIKey: "k"}
	require.Equal(t, Credentials{
		Username: redactedSecret,
		Email:    redactedSecret,
		Password: redactedSecret,
		APIKey:   redactedSecret,
	}, c.Redacted())

	require.Equal(t, Credentials{Email: redactedSecret, Password: redactedSecret},
		Credentials{Email: "ops@shop.tn", Password: "pw"}.Redacted())
}

func TestDeliveryAgency_RedactedLeavesOriginal(t *testing.T) {
	a := DeliveryAgency{ID: "x", Credentials: Credentials{Username: "shop", Password: "pw"}}
	r := a.Redacted()
	require.Equal(t, redactedSecret, r.Credentials.Username)
	require.Equal(t, "shop", a.Credentials.Username)
	require.Equal(t, "pw", a.Credentials.Password)
}
