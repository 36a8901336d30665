// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dockerexec runs job containers on remote docker daemons.
package dockerexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	lru "github.com/hashicorp/golang-lru"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/easyq"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// dockerAPI is the subset of the docker client used here.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options dockerimage.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *dockernetwork.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition dockercontainer.WaitCondition) (<-chan dockercontainer.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options dockercontainer.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options dockercontainer.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// Executor runs containers. One docker client per host is kept in
// an LRU cache.
type Executor struct {
	stopTimeout    time.Duration
	maxOutputBytes int
	newClient      func(host string) (dockerAPI, error)

	mtx     sync.Mutex
	clients *lru.Cache
}

// New returns an Executor configured by cfg.
func New(cfg config.DockerConfig) (*Executor, error) {
	size := cfg.ClientCacheSize
	if size < 1 {
		size = 32
	}
	clients, err := lru.NewWithEvict(size, func(_, cli interface{}) {
		cli.(dockerAPI).Close()
	})
	if err != nil {
		return nil, err
	}
	apiVersion := cfg.APIVersion
	return &Executor{
		stopTimeout:    cfg.StopTimeout.Duration(),
		maxOutputBytes: cfg.MaxOutputBytes,
		clients:        clients,
		newClient: func(host string) (dockerAPI, error) {
			opts := []dockerclient.Opt{dockerclient.WithHost("tcp://" + host)}
			if apiVersion != "" {
				opts = append(opts, dockerclient.WithVersion(apiVersion))
			} else {
				opts = append(opts, dockerclient.WithAPIVersionNegotiation())
			}
			return dockerclient.NewClientWithOpts(opts...)
		},
	}, nil
}

func (e *Executor) client(host string) (dockerAPI, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if cli, ok := e.clients.Get(host); ok {
		return cli.(dockerAPI), nil
	}
	cli, err := e.newClient(host)
	if err != nil {
		return nil, err
	}
	e.clients.Add(host, cli)
	return cli, nil
}

// Close closes all cached docker clients.
func (e *Executor) Close() {
	e.clients.Purge()
}

// Run creates a container from image on host, runs command in it,
// waits for it to finish, and removes it.
//
// If timeout is positive and the container runs longer, or if ctx
// is cancelled first, the container is stopped and the result's
// Outcome is OutcomeCancelled. A container that exits nonzero is
// OutcomeFailed; this is not an error.
//
// Errors are *easyq.TransientExecutionError when the docker daemon
// could not be reached or misbehaved, and *easyq.FatalConfigError
// when the job can never run as given (bad command, unknown image).
func (e *Executor) Run(ctx context.Context, host, image, command string, timeout time.Duration) (easyq.ExecutionResult, error) {
	result := easyq.ExecutionResult{Host: host, ExitCode: -1}
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{"Host": host, "Image": image})

	args, err := shlex.Split(command)
	if err != nil {
		return result, &easyq.FatalConfigError{Err: fmt.Errorf("parsing command: %w", err)}
	} else if len(args) == 0 {
		return result, &easyq.FatalConfigError{Err: errors.New("empty command")}
	}
	cli, err := e.client(host)
	if err != nil {
		return result, &easyq.TransientExecutionError{Host: host, Err: err}
	}

	t0 := time.Now()
	id, err := e.create(ctx, cli, image, args)
	if err != nil {
		return result, classify(host, "creating container", err)
	}
	result.ContainerID = id
	logger = logger.WithField("ContainerID", id)
	defer func() {
		// The job's context may be done by now.
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		err := cli.ContainerRemove(rctx, id, dockercontainer.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			logger.WithError(err).Warn("error removing container")
		}
	}()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err = cli.ContainerStart(runCtx, id, dockercontainer.StartOptions{})
	if err != nil {
		if runCtx.Err() != nil {
			result.Outcome = easyq.OutcomeCancelled
			return result, nil
		}
		return result, classify(host, "starting container", err)
	}
	logger.Debug("container started")

	waitOk, waitErr := cli.ContainerWait(runCtx, id, dockercontainer.WaitConditionNotRunning)
	select {
	case resp := <-waitOk:
		result.ExitCode = int(resp.StatusCode)
		if resp.Error != nil && resp.Error.Message != "" {
			logger.WithField("WaitError", resp.Error.Message).Warn("docker reported an error waiting for container")
		}
		if result.ExitCode == 0 {
			result.Outcome = easyq.OutcomeSucceeded
		} else {
			result.Outcome = easyq.OutcomeFailed
		}
	case err := <-waitErr:
		if runCtx.Err() == nil {
			return result, classify(host, "waiting for container", err)
		}
		logger.WithField("Timeout", timeout).Info("stopping container")
		e.stop(cli, id, logger)
		result.Outcome = easyq.OutcomeCancelled
	}
	result.Duration = time.Since(t0)
	result.Output = e.output(cli, id, logger)
	logger.WithFields(logrus.Fields{
		"ExitCode": result.ExitCode,
		"Outcome":  result.Outcome,
		"Duration": result.Duration,
	}).Info("container finished")
	return result, nil
}

// create creates the container, pulling the image first if the
// daemon does not have it.
func (e *Executor) create(ctx context.Context, cli dockerAPI, image string, args []string) (string, error) {
	cfg := &dockercontainer.Config{
		Image:        image,
		Cmd:          args,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &dockercontainer.HostConfig{}
	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if errdefs.IsNotFound(err) {
		err = e.pull(ctx, cli, image)
		if err != nil {
			return "", err
		}
		created, err = cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (e *Executor) pull(ctx context.Context, cli dockerAPI, image string) error {
	ctxlog.FromContext(ctx).WithField("Image", image).Info("pulling image")
	rdr, err := cli.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return err
	}
	defer rdr.Close()
	_, err = io.Copy(io.Discard, rdr)
	return err
}

func (e *Executor) stop(cli dockerAPI, id string, logger logrus.FieldLogger) {
	secs := int(e.stopTimeout / time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), e.stopTimeout+time.Minute)
	defer cancel()
	err := cli.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.WithError(err).Warn("error stopping container")
	}
}

// output returns the container's combined stdout and stderr,
// truncated to maxOutputBytes.
func (e *Executor) output(cli dockerAPI, id string, logger logrus.FieldLogger) string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	rdr, err := cli.ContainerLogs(ctx, id, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		logger.WithError(err).Warn("error retrieving container output")
		return ""
	}
	defer rdr.Close()
	buf := &limitedBuffer{limit: e.maxOutputBytes}
	_, err = stdcopy.StdCopy(buf, buf, rdr)
	if err != nil {
		logger.WithError(err).Warn("error reading container output")
	}
	if buf.dropped > 0 {
		logger.Infof("container output truncated, dropped %s", humanize.Bytes(uint64(buf.dropped)))
	}
	return string(buf.data)
}

func classify(host, doing string, err error) error {
	fatal := errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err)
	err = fmt.Errorf("%s: %w", doing, err)
	if fatal {
		return &easyq.FatalConfigError{Err: err}
	}
	return &easyq.TransientExecutionError{Host: host, Err: err}
}

// limitedBuffer keeps the first limit bytes written to it and
// counts the rest. A limit of 0 keeps everything.
type limitedBuffer struct {
	limit   int
	data    []byte
	dropped int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit > 0 && len(b.data)+len(p) > b.limit {
		keep := b.limit - len(b.data)
		b.dropped += len(p) - keep
		p = p[:keep]
	}
	b.data = append(b.data, p...)
	return n, nil
}
