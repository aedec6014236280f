// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	"strconv"
)

// SubmissionProtocol identifies the family of back end a compute
// resource is reached through.
type SubmissionProtocol string

const (
	ProtocolGridGatekeeper = SubmissionProtocol("grid-gatekeeper")
	ProtocolSSHBatch       = SubmissionProtocol("ssh-batch")
	ProtocolCloud          = SubmissionProtocol("cloud")
	ProtocolLocal          = SubmissionProtocol("local")
)

// JobManagerType identifies the batch scheduler running on a cluster
// front end.
type JobManagerType string

const (
	JobManagerPBS   = JobManagerType("PBS")
	JobManagerSLURM = JobManagerType("SLURM")
	JobManagerUGE   = JobManagerType("UGE")
	JobManagerLSF   = JobManagerType("LSF")
)

// ComputeResource is the resolved description of the machine or
// service a job will run on.
type ComputeResource struct {
	Host       string
	Port       int
	LoginUser  string
	Protocol   SubmissionProtocol
	JobManager JobManagerType

	// Directory holding the job manager's command line programs
	// (qsub, sbatch, ...). Empty means use $PATH.
	ResourceManagerPath string

	// Grid gatekeeper contact string, e.g.
	// "gram.example.edu:2119/jobmanager-pbs".
	GatekeeperContact string

	// Cloud instance type name, used by the cloud provider.
	CloudInstanceType string

	ScratchDir string
}

// Address returns host:port, using the SSH port if none is given.
func (cr ComputeResource) Address() string {
	port := cr.Port
	if port == 0 {
		port = 22
	}
	return cr.Host + ":" + strconv.Itoa(port)
}

// Parallelism is the way an application uses its allocated processors.
type Parallelism string

const (
	ParallelismSerial    = Parallelism("serial")
	ParallelismMPI       = Parallelism("mpi")
	ParallelismOpenMP    = Parallelism("openmp")
	ParallelismOpenMPMPI = Parallelism("openmp-mpi")
	ParallelismMultiple  = Parallelism("multiple")
	ParallelismCondor    = Parallelism("condor")
	ParallelismSingle    = Parallelism("single")
)

// EnvVar is one environment variable to set for the application.
type EnvVar struct {
	Name  string
	Value string
}

// ApplicationDeployment describes how an application is installed and
// run on a particular compute resource.
type ApplicationDeployment struct {
	Executable         string
	WorkingDir         string
	ScratchDir         string
	InputDir           string
	OutputDir          string
	ModuleLoadCommands []string
	PreJobCommands     []string
	PostJobCommands    []string
	Parallelism        Parallelism
	Environment        []EnvVar
	StdoutPath         string
	StderrPath         string
}

// SchedulingParameters are the per-job resource requests passed to the
// remote scheduler.
type SchedulingParameters struct {
	NodeCount          int
	TotalCPUCount      int
	WallTimeLimit      int // minutes
	QueueName          string
	ProjectAccount     string
	MinMemory          int // MB
	MaxMemory          int // MB
	NotificationEmails []string
}

// DataType is the declared type of an input or output parameter.
type DataType string

const (
	DataTypeString        = DataType("string")
	DataTypeInteger       = DataType("integer")
	DataTypeFloat         = DataType("float")
	DataTypeURI           = DataType("uri")
	DataTypeURICollection = DataType("uri-collection")
	DataTypeStdout        = DataType("stdout")
	DataTypeStderr        = DataType("stderr")
)

// InputParameter is one declared application input.
type InputParameter struct {
	Name                  string
	Type                  DataType
	Value                 string
	ApplicationArgument   string // flag placed before the value, e.g. "-i"
	InputOrder            int
	Required              bool
	StandardInput         bool
	RequiredOnCommandLine bool
}

// OutputParameter is one declared application output.
type OutputParameter struct {
	Name                  string
	Type                  DataType
	Value                 string // remote location or glob, if known
	ApplicationArgument   string
	OutputOrder           int
	Required              bool
	RequiredOnCommandLine bool

	// Path of the staged copy, filled in by output collection.
	LocalPath string
}
