package domain

import (
	"maps"
	"slices"
	"strings"
	"time"
)

const (
	// DefaultPath is the executable search path of an image that never extends it.
	DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

	// LabelPipeline records the producing pipeline on the image.
	LabelPipeline = "dev.stagehand.pipeline"
	// LabelStage records the final stage on the image.
	LabelStage = "dev.stagehand.stage"
)

// ImageConfig is the runtime metadata of an output image.
type ImageConfig struct {
	User         string            `json:"user,omitzero"`
	UID          int               `json:"uid"`
	GID          int               `json:"gid"`
	Entrypoint   []string          `json:"entrypoint,omitzero"`
	Cmd          []string          `json:"cmd,omitzero"`
	Env          map[string]string `json:"env,omitzero"`
	ExposedPorts []Port            `json:"exposed_ports,omitzero"`
	WorkingDir   string            `json:"working_dir,omitzero"`
	Labels       map[string]string `json:"labels,omitzero"`
}

func newImageConfig() ImageConfig {
	return ImageConfig{
		User:   RootUser,
		Env:    make(map[string]string),
		Labels: make(map[string]string),
	}
}

func (c *ImageConfig) apply(in Instruction, users map[string][2]int) {
	switch v := in.(type) {
	case SetEnv:
		c.Env[v.Key] = v.Value
	case ExtendPath:
		p, ok := c.Env["PATH"]
		if !ok {
			p = DefaultPath
		}
		c.Env["PATH"] = strings.Join(append([]string{p}, v.Dirs...), ":")
	case CreateUser:
		users[v.Name] = [2]int{v.UID, v.GID}
	case SwitchUser:
		c.User = v.Name
		ids := users[v.Name]
		c.UID, c.GID = ids[0], ids[1]
	case Expose:
		for _, port := range v.Ports {
			if !slices.Contains(c.ExposedPorts, port) {
				c.ExposedPorts = append(c.ExposedPorts, port)
			}
		}
		slices.SortFunc(c.ExposedPorts, func(a, b Port) int {
			if a.Number != b.Number {
				return a.Number - b.Number
			}
			return strings.Compare(a.Proto, b.Proto)
		})
	case Entrypoint:
		c.Entrypoint = slices.Clone(v.Args)
	case Cmd:
		c.Cmd = slices.Clone(v.Args)
	case Workdir:
		c.WorkingDir = v.Path
	}
}

// EnvList renders the environment as sorted KEY=VALUE pairs.
func (c ImageConfig) EnvList() []string {
	keys := slices.Sorted(maps.Keys(c.Env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// Privileged reports whether the image runs as the root identity by default.
func (c ImageConfig) Privileged() bool {
	return c.User == RootUser || c.UID == 0
}

func (c ImageConfig) clone() ImageConfig {
	c.Entrypoint = slices.Clone(c.Entrypoint)
	c.Cmd = slices.Clone(c.Cmd)
	c.ExposedPorts = slices.Clone(c.ExposedPorts)
	c.Env = maps.Clone(c.Env)
	c.Labels = maps.Clone(c.Labels)
	return c
}

// OutputImage is the terminal artifact of a pipeline. It is created once and never modified.
type OutputImage struct {
	tag      string
	pipeline string
	ref      string
	digest   string
	config   ImageConfig
	created  time.Time
}

// NewOutputImage creates the output image of a pipeline from its final stage result.
func NewOutputImage(p *Pipeline, ref, digest string, created time.Time) OutputImage {
	return OutputImage{
		tag:      p.Output,
		pipeline: p.Name,
		ref:      ref,
		digest:   digest,
		config:   p.ImageConfig(),
		created:  created.UTC(),
	}
}

// WithRuntimeEnv returns a copy of the image whose environment is overlaid with the
// environment the built snapshot actually carries. Variables a base image defines,
// such as its PATH, are only known after the build.
func (i OutputImage) WithRuntimeEnv(env map[string]string) OutputImage {
	if len(env) == 0 {
		return i
	}
	i.config = i.config.clone()
	if i.config.Env == nil {
		i.config.Env = make(map[string]string, len(env))
	}
	maps.Copy(i.config.Env, env)
	return i
}

// Tag returns the name the image is published under.
func (i OutputImage) Tag() string { return i.tag }

// Pipeline returns the name of the producing pipeline.
func (i OutputImage) Pipeline() string { return i.pipeline }

// Ref returns the backend reference of the final stage snapshot.
func (i OutputImage) Ref() string { return i.ref }

// Digest returns the content digest of the final stage snapshot.
func (i OutputImage) Digest() string { return i.digest }

// Created returns the creation time.
func (i OutputImage) Created() time.Time { return i.created }

// Config returns a copy of the image metadata.
func (i OutputImage) Config() ImageConfig { return i.config.clone() }

// ImageRecord is the serialized form of an OutputImage.
type ImageRecord struct {
	Tag      string      `json:"tag"`
	Pipeline string      `json:"pipeline"`
	Ref      string      `json:"ref,omitzero"`
	Digest   string      `json:"digest,omitzero"`
	Config   ImageConfig `json:"config"`
	Created  time.Time   `json:"created,omitzero"`
}

// Record converts the image into its serialized form.
func (i OutputImage) Record() ImageRecord {
	return ImageRecord{
		Tag:      i.tag,
		Pipeline: i.pipeline,
		Ref:      i.ref,
		Digest:   i.digest,
		Config:   i.config.clone(),
		Created:  i.created,
	}
}

// Image restores an OutputImage from its serialized form.
func (r ImageRecord) Image() OutputImage {
	return OutputImage{
		tag:      r.Tag,
		pipeline: r.Pipeline,
		ref:      r.Ref,
		digest:   r.Digest,
		config:   r.Config.clone(),
		created:  r.Created,
	}
}
