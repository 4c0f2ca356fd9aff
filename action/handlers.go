package action

import (
	"context"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/locale"
	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

const (
	ContentPublished  = "content.published"
	ContentPublishing = "content.publishing"
)

// FlagSetter is the flag surface CMS events drive.
type FlagSetter interface {
	ForceRefresh(ctx context.Context, loc, slug string) error
	SetPublishingMode(ctx context.Context, on bool) error
}

type PublishedPayload struct {
	Locale string `json:"locale" validate:"required"`
	Slug   string `json:"slug" validate:"required"`
}

type PublishingPayload struct {
	Enabled bool `json:"enabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// RegisterHandlers subscribes flag updates to the CMS publish events.
func RegisterHandlers(broker types.ActionBroker, flags FlagSetter, logger types.Logger) error {
	err := broker.Subscribe(ContentPublished, func(ctx context.Context, message *types.ActionMessage) error {
		var payload PublishedPayload
		if err := decode(message, &payload); err != nil {
			return err
		}

		loc := locale.Normalize(payload.Locale)
		if err := flags.ForceRefresh(ctx, loc, payload.Slug); err != nil {
			return types.WrapError(err, "failed to set force refresh")
		}

		logger.Info("Force refresh requested by CMS",
			zap.String("locale", loc),
			zap.String("slug", payload.Slug),
			zap.String("message_id", message.MessageID))

		return nil
	})
	if err != nil {
		return err
	}

	return broker.Subscribe(ContentPublishing, func(ctx context.Context, message *types.ActionMessage) error {
		var payload PublishingPayload
		if err := decode(message, &payload); err != nil {
			return err
		}

		if err := flags.SetPublishingMode(ctx, payload.Enabled); err != nil {
			return types.WrapError(err, "failed to set publishing mode")
		}

		logger.Info("Publishing mode changed by CMS", zap.Bool("enabled", payload.Enabled))

		return nil
	})
}

func decode[T any](message *types.ActionMessage, target *T) error {
	if message.Payload == nil {
		return types.Errorf(types.ErrActionPayloadInvalid, "%s: empty payload", message.Action)
	}

	if err := utils.UnmarshalConfig(message.Payload, target); err != nil {
		return types.Errorf(types.ErrActionPayloadInvalid, "%s: %v", message.Action, err)
	}

	if err := validate.Struct(target); err != nil {
		return types.Errorf(types.ErrActionPayloadInvalid, "%s: %v", message.Action, err)
	}

	return nil
}
