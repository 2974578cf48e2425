package httpapi

import (
	"fmt"

	"lumenrelay/internal/authz/models"
)

// User-facing reply texts for the slash command. Slack renders the body of a
// 200 response as an ephemeral message to the invoking user.
const (
	textCmdNotRecognized = "Unfortunately I could not recognize your command.\n"

	textHelp = "Usage:```/stellar subscribe PUBLIC-KEY\n" +
		"/stellar unsubscribe PUBLIC-KEY\n/stellar list```\n\n" +
		"This Slack App is free software, you can view it's source code " +
		"here: " +
		"https://github.com/cmichi/stellar-slack-payment-notifications.\n\n" +
		"If you encounter any issues or need support please visit " +
		"https://github.com/cmichi/stellar-slack-payment-notifications" +
		"#support."

	textNoAuthorization = "Error: We couldn't find an authorization for your team."

	textNoSubscriptions = "You currently don't have any subscriptions."

	textBadVerificationToken = "The verification token you sent does not " +
		"match the verification token of the Slash command."
)

func textSubscribed(accountID string) string {
	return "This channel will be notified when the account id `" +
		accountID + "` receives a new payment."
}

func textAlreadySubscribed(accountID string) string {
	return "This channel is already subscribed to payment notifications " +
		"for `" + accountID + "`."
}

func textAccountNotFound(accountID, horizonURI string) string {
	return "Error: We were unable to find the account id `" + accountID +
		"` on the horizon server " + horizonURI + ". Please check that " +
		"this is the correct account id."
}

func textSubscribeFailed(accountID string, err error) string {
	return fmt.Sprintf("An unknown error occurred: ```%v``` "+
		"We were not able to subscribe you to the account id `%s`.", err, accountID)
}

func textNotSubscribed(accountID, channelRef string) string {
	return "You are not subscribed to `" + accountID + "` in this channel (" +
		channelRef + ")."
}

func textUnsubscribed(accountID, channelRef string) string {
	return "Your subscription of `" + accountID + "` for the channel " +
		channelRef + " was removed."
}

func textSubscriptionList(subs []*models.Subscription) string {
	list := "```"
	for _, sub := range subs {
		list += sub.AccountID + " to " + sub.ChannelRef() + "\n"
	}
	return "These are your subscriptions: " + list + "```"
}
