package daemon

import "time"

func (d *Daemon) onConnect() {
	d.conns.Add(1)
	d.stopIdle()
}

func (d *Daemon) onDisconnect() {
	if d.conns.Add(-1) == 0 {
		d.armIdle()
	}
}

// armIdle starts the autoclose timer when nothing holds the daemon open.
func (d *Daemon) armIdle() {
	if !d.opts.Autoclose || !d.idleNow() {
		return
	}
	d.idleMu.Lock()
	defer d.idleMu.Unlock()
	if d.idle != nil {
		d.idle.Stop()
	}
	d.idle = time.AfterFunc(d.opts.IdleTimeout, d.idleFire)
}

func (d *Daemon) stopIdle() {
	d.idleMu.Lock()
	defer d.idleMu.Unlock()
	if d.idle != nil {
		d.idle.Stop()
		d.idle = nil
	}
}

func (d *Daemon) idleFire() {
	if !d.idleNow() {
		return
	}
	d.log.Info("idle, shutting down", "timeout", d.opts.IdleTimeout)
	d.requestShutdown(ModeIdle)
}

func (d *Daemon) idleNow() bool {
	return d.conns.Load() == 0 && d.group.Len() == 0
}
