package twilio

import (
	"fmt"

	"github.com/openhouseai/realty-voice-service/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Dialer places outbound calls through the Twilio REST API.
// If accountSID or authToken is empty, the dialer is disabled.
type Dialer struct {
	client   *twilio.RestClient
	callerID string
	enabled  bool
}

func NewDialer(accountSID, authToken, callerID string) *Dialer {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, outbound dialing disabled")
		return &Dialer{enabled: false}
	}

	return &Dialer{
		client:   twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		callerID: callerID,
		enabled:  true,
	}
}

// IsEnabled returns whether the dialer is enabled
func (d *Dialer) IsEnabled() bool {
	return d.enabled
}

// StartCall dials the given number. answerURL serves the TwiML that connects
// the media stream; statusURL receives Twilio's status callbacks. Returns the
// new call SID.
func (d *Dialer) StartCall(to, answerURL, statusURL string) (string, error) {
	if !d.enabled {
		return "", fmt.Errorf("twilio dialer is disabled")
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.callerID)
	params.SetUrl(answerURL)
	params.SetMethod("POST")
	if statusURL != "" {
		params.SetStatusCallback(statusURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"completed", "no-answer", "failed"})
	}

	resp, err := d.client.Api.CreateCall(params)
	if err != nil {
		logger.Base().Error("Failed to create outbound call", zap.String("to", to), zap.Error(err))
		return "", err
	}

	callSID := ""
	if resp.Sid != nil {
		callSID = *resp.Sid
	}
	logger.Base().Info("Outbound call created", zap.String("call_sid", callSID), zap.String("to", to))
	return callSID, nil
}
