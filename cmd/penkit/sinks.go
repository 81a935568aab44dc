package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/Penkit/internal/bom"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/session"
)

func sessions() (*session.Manager, error) {
	return session.NewManager(config.Sessions.Path)
}

// outputs collects the scan results of a command. The results are stored
// in the --session session when set and exported as a CycloneDX BOM when
// bomPath is not empty.
type outputs struct {
	sess    *session.Session
	bom     *bom.Builder
	bomPath string
}

func newOutputs(ctx context.Context, bomPath string) (*outputs, error) {
	o := &outputs{bomPath: bomPath}
	if flagSession != "" {
		mgr, err := sessions()
		if err != nil {
			return nil, err
		}
		o.sess, err = mgr.OpenOrCreate(ctx, flagSession)
		if err != nil {
			return nil, err
		}
		slog.DebugContext(ctx, "using session", "session", o.sess.Name(), "dir", o.sess.Dir())
	}
	if bomPath != "" {
		o.bom = bom.NewBuilder()
	}
	return o, nil
}

// sinks returns the session sink, if any
func (o *outputs) sinks() []model.Sink {
	if o.sess == nil {
		return nil
	}
	return []model.Sink{o.sess}
}

func (o *outputs) Save(ctx context.Context, tool string, sr model.ScanResult) error {
	if o.bom != nil {
		o.bom.AppendScanResult(ctx, sr)
	}
	if o.sess == nil {
		return nil
	}
	if err := o.sess.Save(ctx, tool, sr); err != nil {
		return fmt.Errorf("saving %s result to session %s: %w", tool, o.sess.Name(), err)
	}
	return nil
}

// Close writes the BOM and closes the session. Calling Close again is a
// no-op.
func (o *outputs) Close() error {
	var errs []error
	if o.bom != nil {
		errs = append(errs, writeBOM(o.bom, o.bomPath))
		o.bom = nil
	}
	if o.sess != nil {
		errs = append(errs, o.sess.Close())
		o.sess = nil
	}
	return errors.Join(errs...)
}

func writeBOM(b *bom.Builder, path string) error {
	if path == "-" {
		return b.AsJSON(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating BOM file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := b.AsJSON(f); err != nil {
		return fmt.Errorf("writing BOM: %w", err)
	}
	return f.Close()
}
