// Package process supervises long-running child processes, such as the
// Mosquitto broker a master gateway hosts for its fleet.
//
// Features:
//   - Start/stop with SIGTERM to the process group, then SIGKILL
//   - Restart on failure with doubling backoff, reset once the process has
//     run for StableThreshold
//   - Periodic health checks; repeated failures kill the process
//   - Line-based capture of stdout/stderr at debug level
//   - Signal for reload-style signals (SIGHUP)
//
// Example usage:
//
//	mgr := process.NewManager(process.DefaultConfig(
//	    "mosquitto", "/usr/sbin/mosquitto", []string{"-c", confPath},
//	))
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
