package msh

import (
	"context"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/security"
)

// SecurityProcessor handles the wsse:Security header. Encrypted content is
// decrypted first; the signature is then verified over the decrypted
// document and attachments.
type SecurityProcessor struct {
	Binding security.Binding
	Logger  *slog.Logger
}

func (p *SecurityProcessor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// ProcessHeaderElement implements Processor
func (p *SecurityProcessor) ProcessHeaderElement(ctx context.Context, doc *etree.Document, header *etree.Element,
	attachments []*attachment.Attachment, state *MessageState, errs *message.ErrorList) error {
	log := p.logger().With(slog.String("message_id", state.MessageID()))
	v := state.SOAPVersion

	working := doc
	atts := attachments
	if security.IsEncrypted(doc, v) {
		res, err := p.Binding.Decrypt(doc, v, attachments)
		if err != nil {
			log.Error("decryption failed", slog.String("error", err.Error()))
			return fail(errs, message.EbmsFailedDecryption.Errorf("%v", err))
		}
		state.DecryptedAttachments = res.Attachments
		if state.DecryptedAttachments == nil {
			state.DecryptedAttachments = []*attachment.Attachment{}
		}
		if res.BodyDecrypted {
			state.DecryptedSOAPDocument = res.Document
		}
		working, atts = res.Document, res.Attachments
		log.Debug("decrypted message", slog.Int("attachments", len(res.Attachments)),
			slog.Bool("body", res.BodyDecrypted))
	}

	if security.IsSigned(working, v) {
		res, err := p.Binding.Verify(ctx, working, v, atts)
		if err != nil {
			log.Error("signature verification failed", slog.String("error", err.Error()))
			return fail(errs, message.EbmsFailedAuthentication.Errorf("%v", err))
		}
		state.Signed = true
		state.Verification = res
	}

	return checkSecurityPolicy(state, errs)
}

// checkSecurityPolicy reports EBMS:0103 when the effective leg asks for
// signing or encryption the message does not carry
func checkSecurityPolicy(state *MessageState, errs *message.ErrorList) error {
	var sec *pmode.Security
	if state.EffectiveLeg != nil {
		sec = state.EffectiveLeg.Security
	}
	if sec.IsSigningEnabled() && !state.Signed {
		return fail(errs, message.EbmsPolicyNoncompliance.Errorf("P-Mode requires a signed message"))
	}
	if sec.IsEncryptionEnabled() && len(state.OriginalAttachments) > 0 && !state.HasDecryptedAttachments() {
		return fail(errs, message.EbmsPolicyNoncompliance.Errorf("P-Mode requires encrypted attachments"))
	}
	return nil
}
