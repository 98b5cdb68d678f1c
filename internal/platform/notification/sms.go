package notification

import (
	"context"
	"fmt"

	"github.com/arsmn/go-smsir/smsir"
	"github.com/nyaruka/phonenumbers"
)

type SMSConfig struct {
	APIKey     string
	SecretKey  string
	TemplateID string
	// DefaultRegion resolves numbers written without a country code.
	DefaultRegion string
}

// SMSIRSender sends the rendered text through an sms.ir template whose
// single parameter is "message".
type SMSIRSender struct {
	send       func(ctx context.Context, req *smsir.UltraFastSendRequest) error
	templateID string
	region     string
}

func NewSMSIRSender(cfg SMSConfig) (*SMSIRSender, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sms sender: api key is required")
	}
	if cfg.TemplateID == "" {
		return nil, fmt.Errorf("sms sender: template id is required")
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "FR"
	}
	client := smsir.NewClient().WithAuthentication(cfg.APIKey, cfg.SecretKey)
	return &SMSIRSender{
		send: func(ctx context.Context, req *smsir.UltraFastSendRequest) error {
			_, err := client.Verification.UltraFastSend(ctx, req)
			return err
		},
		templateID: cfg.TemplateID,
		region:     cfg.DefaultRegion,
	}, nil
}

func (s *SMSIRSender) SendSMS(ctx context.Context, to, text string) error {
	mobile, err := NormalizePhone(to, s.region)
	if err != nil {
		return err
	}

	err = s.send(ctx, &smsir.UltraFastSendRequest{
		Mobile:     mobile,
		TemplateID: s.templateID,
		Parameters: []smsir.UltraFastParameter{{Key: "message", Value: text}},
	})
	if err != nil {
		return &SendError{Provider: "sms.ir", Err: err}
	}
	return nil
}

// NormalizePhone returns number in E.164 form.
func NormalizePhone(number, region string) (string, error) {
	num, err := phonenumbers.Parse(number, region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q is not a valid number", ErrInvalidRecipient, number)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
