package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pstnbridge/telephony"
)

// RoomCreator opens a direct room between a remote number and the members of
// a control room.
type RoomCreator interface {
	CreateDirectRoom(ctx context.Context, control, remote string) (string, error)
}

// Directory answers routing questions for the dispatcher and the telephony
// modules on top of a Store.
type Directory struct {
	store   Store
	modules *telephony.Registry
	creator RoomCreator
	log     *logrus.Entry

	// createMu keeps two calls from the same number from opening two rooms.
	createMu sync.Mutex
}

func NewDirectory(store Store, modules *telephony.Registry, creator RoomCreator, log *logrus.Entry) *Directory {
	return &Directory{store: store, modules: modules, creator: creator, log: log}
}

// Store returns the underlying store.
func (d *Directory) Store() Store { return d.store }

func (d *Directory) sessionConfig(ctx context.Context, control string) (telephony.SessionConfig, error) {
	cfg, err := d.store.ControlConfig(ctx, control)
	if err != nil {
		return telephony.SessionConfig{}, fmt.Errorf("control config for %s: %w", control, err)
	}
	return telephony.SessionConfig{Control: control, Module: cfg.Module, Number: cfg.Number, Data: cfg.Data}, nil
}

// LinkForScope resolves a bridged room to its module, control config and
// remote number.
func (d *Directory) LinkForScope(ctx context.Context, scope string) (telephony.Link, error) {
	br, err := d.store.BridgedRoom(ctx, scope)
	if err != nil {
		return telephony.Link{}, fmt.Errorf("bridged room %s: %w", scope, err)
	}
	cfg, err := d.sessionConfig(ctx, br.Control)
	if err != nil {
		return telephony.Link{}, err
	}
	m, err := d.modules.Lookup(cfg.Module)
	if err != nil {
		return telephony.Link{}, fmt.Errorf("module %q for %s: %w", cfg.Module, br.Control, err)
	}
	return telephony.Link{Module: m, Config: cfg, Remote: br.Remote}, nil
}

// ResolveRoomForEndpoint returns the room of control that talks to endpoint,
// creating and recording one when none exists.
func (d *Directory) ResolveRoomForEndpoint(ctx context.Context, control, endpoint string) (string, error) {
	room, _, err := d.Dial(ctx, control, endpoint)
	return room, err
}

// Dial opens the room of control for number and reports whether it was
// created. An existing room is returned unchanged.
func (d *Directory) Dial(ctx context.Context, control, number string) (room string, created bool, err error) {
	remote, err := telephony.NormalizeNumber(number)
	if err != nil {
		return "", false, fmt.Errorf("endpoint %q: %w", number, err)
	}
	if _, err := d.store.ControlConfig(ctx, control); err != nil {
		return "", false, fmt.Errorf("control config for %s: %w", control, err)
	}

	d.createMu.Lock()
	defer d.createMu.Unlock()

	room, err = d.store.RoomForNumber(ctx, control, remote)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}
	if d.creator == nil {
		return "", false, fmt.Errorf("no room for %s in %s and no room creator", remote, control)
	}

	room, err = d.creator.CreateDirectRoom(ctx, control, remote)
	if err != nil {
		return "", false, fmt.Errorf("create room for %s: %w", remote, err)
	}
	if err := d.store.SetBridgedRoom(ctx, room, BridgedRoom{Control: control, Remote: remote}); err != nil {
		return "", false, err
	}
	d.log.WithFields(logrus.Fields{"control": control, "remote": remote, "room": room}).Info("created bridged room")
	return room, true, nil
}

// ControlForNumber finds the control config that owns a local number.
func (d *Directory) ControlForNumber(ctx context.Context, number string) (telephony.SessionConfig, error) {
	n, err := telephony.NormalizeNumber(number)
	if err != nil {
		return telephony.SessionConfig{}, err
	}
	control, err := d.store.ControlForNumber(ctx, n)
	if err != nil {
		return telephony.SessionConfig{}, fmt.Errorf("number %s: %w", n, err)
	}
	return d.sessionConfig(ctx, control)
}

// ControlForToken finds the control config that owns a webhook token.
func (d *Directory) ControlForToken(ctx context.Context, token string) (telephony.SessionConfig, error) {
	control, err := d.store.ControlForToken(ctx, token)
	if err != nil {
		return telephony.SessionConfig{}, fmt.Errorf("webhook token: %w", err)
	}
	return d.sessionConfig(ctx, control)
}

// Link stores a control config after checking the module and number. It
// returns the webhook token minted for the control room.
func (d *Directory) Link(ctx context.Context, control string, cfg ControlConfig) (string, error) {
	if _, err := d.modules.Lookup(cfg.Module); err != nil {
		return "", fmt.Errorf("module %q: %w", cfg.Module, err)
	}
	n, err := telephony.NormalizeNumber(cfg.Number)
	if err != nil {
		return "", fmt.Errorf("number %q: %w", cfg.Number, err)
	}
	cfg.Number = n
	if owner, err := d.store.ControlForNumber(ctx, n); err == nil && owner != control {
		return "", fmt.Errorf("number %s is already linked to %s", n, owner)
	}
	if err := d.store.SetControlConfig(ctx, control, cfg); err != nil {
		return "", err
	}
	token := uuid.NewString()
	if err := d.store.SetWebhookToken(ctx, control, token); err != nil {
		return "", err
	}
	d.log.WithFields(logrus.Fields{"control": control, "module": cfg.Module, "number": n}).Info("linked control room")
	return token, nil
}

// Unlink removes a control config and its webhook token.
func (d *Directory) Unlink(ctx context.Context, control string) error {
	if err := d.store.DeleteWebhookToken(ctx, control); err != nil {
		return err
	}
	if err := d.store.DeleteControlConfig(ctx, control); err != nil {
		return err
	}
	d.log.WithField("control", control).Info("unlinked control room")
	return nil
}

// Bridge records an existing room as talking to remote for control.
func (d *Directory) Bridge(ctx context.Context, room, control, remote string) error {
	n, err := telephony.NormalizeNumber(remote)
	if err != nil {
		return fmt.Errorf("remote %q: %w", remote, err)
	}
	return d.store.SetBridgedRoom(ctx, room, BridgedRoom{Control: control, Remote: n})
}
