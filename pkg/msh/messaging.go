package msh

import (
	"context"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
)

// MessagingProcessor handles the eb:Messaging header. It extracts the user
// or signal message into the state, resolves the P-Mode and checks the
// payload references of a user message against the received attachments.
type MessagingProcessor struct {
	Resolver PModeResolver
	// Fallback governs Receipt and Error signals, usually the P-Mode of
	// the message they answer
	Fallback *pmode.PMode
	Logger   *slog.Logger
}

func (p *MessagingProcessor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// ProcessHeaderElement implements Processor
func (p *MessagingProcessor) ProcessHeaderElement(ctx context.Context, doc *etree.Document, header *etree.Element,
	attachments []*attachment.Attachment, state *MessageState, errs *message.ErrorList) error {
	m, err := message.ParseMessaging(header)
	if err != nil {
		return fail(errs, message.EbmsInvalidHeader.Errorf("failed to parse Messaging header: %v", err))
	}
	state.Messaging = m

	if len(m.UserMessage) > 1 {
		return fail(errs, message.EbmsValueInconsistent.Errorf("too many UserMessage objects contained: %d", len(m.UserMessage)))
	}
	if len(m.SignalMessage) > 1 {
		return fail(errs, message.EbmsValueInconsistent.Errorf("too many SignalMessage objects contained: %d", len(m.SignalMessage)))
	}

	if um := m.FirstUserMessage(); um != nil {
		if err := p.processUserMessage(ctx, um, attachments, state, errs); err != nil {
			return err
		}
	}
	if sm := m.FirstSignalMessage(); sm != nil {
		if err := p.processSignalMessage(ctx, sm, state, errs); err != nil {
			return err
		}
	}
	return nil
}

func (p *MessagingProcessor) processUserMessage(ctx context.Context, um *message.UserMessage,
	attachments []*attachment.Attachment, state *MessageState, errs *message.ErrorList) error {
	if um.MessageInfo == nil || um.MessageInfo.MessageId == "" {
		return fail(errs, message.EbmsInvalidHeader.Errorf("UserMessage has no MessageId"))
	}
	state.UserMessage = um
	log := p.logger().With(slog.String("message_id", um.MessageInfo.MessageId))

	pm := p.resolveUserMessagePMode(ctx, um, log)
	if pm == nil {
		log.Warn("no P-Mode found for user message")
	} else {
		state.PMode = pm
		state.EffectiveLeg = pm.LegFor(um.MessageInfo.RefToMessageId != "")
		log.Debug("resolved P-Mode", slog.String("pmode_id", pm.ID))
	}

	meta, unsupported := message.ExtractPayloadMetadata(um)
	if len(unsupported) > 0 {
		return fail(errs, message.EbmsValueNotRecognized.Errorf("unsupported compression type %q", unsupported[0]))
	}

	for cid, md := range meta {
		if md.Compression != compression.None && md.MimeType == "" {
			return fail(errs, message.EbmsValueInconsistent.Errorf("part %s is compressed but has no %s part property",
				cid, message.PartPropertyMimeType))
		}
		if findAttachment(attachments, cid) == nil {
			return fail(errs, message.EbmsExternalPayloadError.Errorf("no attachment with content ID %s", cid))
		}
		state.CompressionModes[cid] = md.Compression
	}

	for _, att := range attachments {
		if _, ok := meta[message.NormalizeContentID(att.ID)]; !ok {
			return fail(errs, message.EbmsValueInconsistent.Errorf("attachment %s is not referenced by any PartInfo", att.ID))
		}
	}
	state.PayloadMetadata = meta
	return nil
}

func (p *MessagingProcessor) resolveUserMessagePMode(ctx context.Context, um *message.UserMessage, log *slog.Logger) *pmode.PMode {
	if p.Resolver == nil {
		return nil
	}
	if ci := um.CollaborationInfo; ci != nil && ci.AgreementRef != nil && ci.AgreementRef.Pmode != "" {
		pm, err := p.Resolver.ResolveByID(ctx, ci.AgreementRef.Pmode)
		if err == nil {
			return pm
		}
		log.Debug("P-Mode from AgreementRef not found",
			slog.String("pmode_id", ci.AgreementRef.Pmode), slog.String("error", err.Error()))
	}

	from, to := partyID(um, true), partyID(um, false)
	pm, err := p.Resolver.Resolve(ctx, from, to, "")
	if err != nil {
		log.Debug("P-Mode lookup by parties failed",
			slog.String("from", from), slog.String("to", to), slog.String("error", err.Error()))
		return nil
	}
	return pm
}

func (p *MessagingProcessor) processSignalMessage(ctx context.Context, sm *message.SignalMessage,
	state *MessageState, errs *message.ErrorList) error {
	if sm.MessageInfo == nil || sm.MessageInfo.MessageId == "" {
		return fail(errs, message.EbmsInvalidHeader.Errorf("SignalMessage has no MessageId"))
	}
	state.SignalMessage = sm
	log := p.logger().With(slog.String("message_id", sm.MessageInfo.MessageId))

	if sm.PullRequest == nil && sm.Receipt == nil && len(sm.Error) == 0 {
		return fail(errs, message.EbmsInvalidHeader.Errorf("SignalMessage carries neither PullRequest, Receipt nor Error"))
	}
	// Record every kind present; checkMessageCount rejects mixtures.
	if sm.PullRequest != nil {
		state.PullRequest = sm.PullRequest
	}
	if sm.Receipt != nil {
		state.Receipt = sm.Receipt
	}
	if len(sm.Error) > 0 {
		state.Error = sm.Error[0]
	}

	if sm.PullRequest == nil {
		p.useFallback(state)
		return nil
	}
	if p.Resolver == nil {
		return nil
	}
	pm, err := p.Resolver.ResolveByMPC(ctx, sm.PullRequest.MPC)
	if err != nil {
		log.Warn("no P-Mode found for pull request", slog.String("mpc", sm.PullRequest.MPC))
		return nil
	}
	state.PMode = pm
	state.EffectiveLeg = pm.Leg1
	return nil
}

func (p *MessagingProcessor) useFallback(state *MessageState) {
	if p.Fallback == nil {
		return
	}
	state.PMode = p.Fallback
	state.EffectiveLeg = p.Fallback.Leg1
}

func partyID(um *message.UserMessage, from bool) string {
	if um.PartyInfo == nil {
		return ""
	}
	party := um.PartyInfo.To
	if from {
		party = um.PartyInfo.From
	}
	if party == nil || len(party.PartyId) == 0 {
		return ""
	}
	return party.PartyId[0].Value
}

func findAttachment(attachments []*attachment.Attachment, contentID string) *attachment.Attachment {
	for _, att := range attachments {
		if message.MatchContentID(att.ID, contentID) {
			return att
		}
	}
	return nil
}

// fail records perr and returns it as the processor error
func fail(errs *message.ErrorList, perr *message.ProcessingError) error {
	errs.Add(perr)
	return perr
}
