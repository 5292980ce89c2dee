package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"stageflow/internal/core"
)

// Provisioner applies a deployment template to a named target. It reports
// success or failure only.
type Provisioner interface {
	Provision(ctx context.Context, target string, template []byte) error
}

// DirProvisioner writes each template to <Dir>/<target>.
type DirProvisioner struct {
	Dir string
}

func (p DirProvisioner) Provision(ctx context.Context, target string, template []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := core.ValidateArtifactName(target); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("creating provision directory: %w", err)
	}
	tmp, err := os.CreateTemp(p.Dir, "."+target+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(template); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(p.Dir, target))
}

// ObjectPutter is the slice of the S3 API the S3 provisioner needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Provisioner uploads each template to <Bucket>/<Prefix>/<target>, where a
// deployment system picks it up.
type S3Provisioner struct {
	Client ObjectPutter
	Bucket string
	Prefix string
}

func (p S3Provisioner) Provision(ctx context.Context, target string, template []byte) error {
	if p.Client == nil || p.Bucket == "" {
		return errors.New("s3 provisioner is not configured")
	}
	if err := core.ValidateArtifactName(target); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	key := target
	if prefix := strings.Trim(p.Prefix, "/"); prefix != "" {
		key = path.Join(prefix, target)
	}
	_, err := p.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(template),
		ContentType: aws.String(mimetype.Detect(template).String()),
	})
	if err != nil {
		return fmt.Errorf("uploading template to s3://%s/%s: %w", p.Bucket, key, err)
	}
	return nil
}

// Provision is the deploy collaborator. It hands its template input and a
// target identifier to a configured Provisioner.
//
//	procedure: provision
//	with:
//	  provisioner: dir
//	  template: CdkSynthOutput
//	  file: cdk-synth-output.yaml
//	  target: CicdCdkPipelineLab3Stack
type Provision struct {
	// Template is the input artifact carrying the template.
	Template string

	// File, when set, selects one file inside a tar.gz template input.
	File string

	Target      string
	Provisioner Provisioner
}

// NewProvision builds a Provision from its parameters.
func NewProvision(with map[string]any, provisioners map[string]Provisioner) (Procedure, error) {
	name, err := stringParam(with, "provisioner", false)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "dir"
	}
	prov, ok := provisioners[name]
	if !ok || prov == nil {
		return nil, fmt.Errorf("provisioner %q is not configured", name)
	}
	template, err := stringParam(with, "template", true)
	if err != nil {
		return nil, err
	}
	file, err := stringParam(with, "file", false)
	if err != nil {
		return nil, err
	}
	target, err := stringParam(with, "target", true)
	if err != nil {
		return nil, err
	}
	return &Provision{Template: template, File: file, Target: target, Provisioner: prov}, nil
}

func (p *Provision) Execute(ctx context.Context, inputs map[string][]byte) (map[string][]byte, error) {
	payload, ok := inputs[p.Template]
	if !ok {
		return nil, fmt.Errorf("template input %q was not provided", p.Template)
	}
	if p.File != "" {
		data, err := extractFile(payload, p.File)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", p.Template, err)
		}
		payload = data
	}
	if err := p.Provisioner.Provision(ctx, p.Target, payload); err != nil {
		return nil, fmt.Errorf("provisioning %s: %w", p.Target, err)
	}
	return map[string][]byte{}, nil
}

// extractFile unpacks archive into a scratch directory and reads one file.
func extractFile(archive []byte, name string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "stageflow-template-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	if err := Unpack(archive, dir); err != nil {
		return nil, err
	}
	p, err := workspacePath(dir, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}
