// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	"encoding/json"
)

const DefaultConfigFile = "/etc/jobexec/config.yml"

// Config is the engine configuration shared by all job attempts.
type Config struct {
	SystemLogs struct {
		LogLevel string
		Format   string
	}
	ManagementToken string
	// Address for the metrics/health endpoint used by "serve".
	ManagementListen string

	Handlers struct {
		InFlow  []string
		OutFlow []string
	}

	ClusterPool struct {
		// Hard ceiling on live sessions per (user, host, port).
		MaxSessionsPerKey int
		// Cheap remote command used to check a pooled session
		// before reuse.
		LivenessCommand string
		ConnectTimeout  Duration
		// OpenSSH known_hosts file used to verify cluster host
		// keys. Empty means accept any host key.
		KnownHostsFile string
	}

	Monitor struct {
		PollInterval Duration
		// Maximum time Execute waits for a terminal job state.
		// Zero means wait until the caller's context is done.
		WaitTimeout Duration
		// Renew a job's credential when its remaining lifetime
		// drops below this.
		CredentialRenewThreshold Duration
	}

	Credentials struct {
		// PostgreSQL connection string for the credential
		// store. Empty means no durable store.
		StoreDSN  string
		CacheSize int
		MyProxy   struct {
			Server   string
			Port     int
			Command  string
			Lifetime Duration
		}
		DefaultGatewayID string
		DefaultTokenID   string
	}

	// Command templates per job manager. Entries here override
	// the built-in PBS/SLURM/UGE/LSF command sets.
	JobManagers map[JobManagerType]JobManagerCommands

	// Directory holding job manager binaries, used when a compute
	// resource does not specify one.
	ResourceManagerPath string

	Notifications struct {
		Emails     []string
		WebhookURL string
	}

	Output struct {
		StagingDir string
		// If true, a job that produced no collectable outputs
		// is not treated as failed; the data-staging pipeline
		// handles outputs instead.
		AlternateHandling bool
		S3                S3StagingConfig
	}

	Grid struct {
		SubmitCommand string
		StatusCommand string
		CancelCommand string
		ProxyDir      string
		// URL of this service's /callbacks endpoint, passed to
		// SubmitCommand in JOBEXEC_CALLBACK_URL. Empty
		// disables status callbacks.
		CallbackURL string
		// Status poll interval used as a fallback while
		// waiting for callbacks.
		CallbackPollInterval Duration
	}

	Cloud struct {
		Driver           string
		DriverParameters json.RawMessage
		// Tag value identifying the instances created by this
		// service, so several services can share a cloud
		// account.
		InstanceSetID    string
		ImageID          string
		InstanceTypes    map[string]InstanceType
		BootProbeCommand string
		TimeoutBooting   Duration
		SSHPort          string
		// PEM-encoded private key the dispatcher uses to log
		// in to cloud instances.
		SSHPrivateKey string
	}

	Local struct {
		Shell string
	}
}

// JobManagerCommands are the command templates for one job manager.
// Each template is split into words with shell-like quoting.
type JobManagerCommands struct {
	Submit string
	Cancel string
	Status string
}

// S3StagingConfig configures the S3 output stager.
type S3StagingConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// InstanceType is a cloud VM size available to the cloud provider.
type InstanceType struct {
	Name         string
	ProviderType string
	VCPUs        int
	RAM          int64
	Price        float64
}
