package delivery

import (
	"context"
	"fmt"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// TwilioAPI is the subset of the Twilio REST API service used here.
type TwilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type TwilioSender struct {
	api  TwilioAPI
	from string
}

func NewTwilioSender(api TwilioAPI, from string) *TwilioSender {
	return &TwilioSender{api: api, from: from}
}

// SendSMS sends body to a phone number. The Twilio client takes no context,
// so cancellation is only honoured before and after the call.
func (s *TwilioSender) SendSMS(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, err := s.api.CreateMessage(params)
		done <- result{err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("%w: twilio: %v", ErrSendFailed, r.err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
	}
}
