package bridge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"pstnbridge/signalling"
)

// DispatchText sends a text typed in a bridged scope to the linked phone
// number. Text in a scope that is not bridged is discarded.
func (d *Dispatcher) DispatchText(ctx context.Context, scope, sender, body string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("scope", scope).Errorf("text panic: %v", r)
			err = fmt.Errorf("dispatch text: panic: %v", r)
		}
	}()

	link, err := d.links.LinkForScope(ctx, scope)
	if err != nil {
		d.log.WithField("scope", scope).Debugf("discarding text: %v", err)
		return &UnknownScopeError{Scope: scope, Err: err}
	}
	log := d.log.WithFields(logrus.Fields{"scope": scope, "sender": sender, "module": link.Module.Name(), "remote": link.Remote})
	if err := link.Module.SendMessage(ctx, link.Config, link.Remote, body); err != nil {
		log.Warnf("send message failed: %v", err)
		d.notice(scope, fmt.Sprintf("Failed to send message: %v", err))
		return &BackendForwardError{Module: link.Module.Name(), Type: signalling.TypeMessage, Err: err}
	}
	log.Debug("message sent")
	return nil
}

// IncomingText posts a text from remote into its room under control,
// creating the room when this is the first contact.
func (d *Dispatcher) IncomingText(ctx context.Context, control, remote, body string) error {
	room, err := d.router.ResolveRoomForEndpoint(ctx, control, remote)
	if err != nil {
		return fmt.Errorf("resolve room for %s: %w", remote, err)
	}
	if err := d.outbox.Publish(ctx, Message{Text: &Text{Scope: room, From: remote, Body: body}}); err != nil {
		return fmt.Errorf("queue text from %s: %w", remote, err)
	}
	d.log.WithFields(logrus.Fields{"scope": room, "remote": remote}).Debug("incoming text")
	return nil
}
