package stream

import (
	"fmt"
	"strings"

	"lumenrelay/internal/authz/models"
)

// FormatAmount strips trailing zeros and a trailing decimal point, so the
// feed's fixed-precision "10.0000000" reads as "10".
func FormatAmount(amount string) string {
	if !strings.Contains(amount, ".") {
		return amount
	}
	amount = strings.TrimRight(amount, "0")
	return strings.TrimSuffix(amount, ".")
}

// FormatAsset renders the native currency by name and issued assets as
// CODE:ISSUER.
func FormatAsset(ev Event) string {
	if ev.AssetType == AssetNative {
		return "lumens"
	}
	return ev.AssetCode + ":" + ev.AssetIssuer
}

// PaymentText is the channel notification for a received payment.
func PaymentText(ev Event) string {
	return fmt.Sprintf("You just received %s %s from `%s` to `%s`.",
		FormatAmount(ev.Amount), FormatAsset(ev), ev.From, ev.To)
}

// RemovalText is the private notice sent to the subscribing user when a
// subscription is torn down on a terminal stream error.
func RemovalText(sub *models.Subscription, cause error) string {
	return fmt.Sprintf("The subscription of `%s` for the channel %s had to be removed "+
		"because this error occurred: ```%v```",
		sub.AccountID, sub.ChannelRef(), cause)
}
