package sms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// Sender delivers one-time codes out of band.
type Sender interface {
	SendOTP(ctx context.Context, phone, code string) error
}

// SNSSender sends transactional SMS through AWS SNS.
type SNSSender struct {
	client *sns.Client
}

func NewSNSSender(ctx context.Context, cfg *config.Config) (*SNSSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SNS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	util.Info("sns sender initialized", util.String("region", cfg.SNS.Region))
	return &SNSSender{client: sns.NewFromConfig(awsCfg)}, nil
}

func (s *SNSSender) SendOTP(ctx context.Context, phone, code string) error {
	message := fmt.Sprintf("Your verification code is %s. It expires in 5 minutes.", code)

	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(message),
	})
	if err != nil {
		util.Error("failed to send otp sms",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
		return fmt.Errorf("failed to send otp sms: %w", err)
	}

	util.Debug("otp sms sent", util.String("phone", util.MaskPhone(phone)))
	return nil
}

// LogSender writes codes to the log instead of sending them. Development
// only: plaintext codes in logs are a non-starter anywhere else.
type LogSender struct{}

func (LogSender) SendOTP(_ context.Context, phone, code string) error {
	util.Info("otp code (dev delivery)",
		util.String("phone", util.MaskPhone(phone)),
		util.String("code", code))
	return nil
}
