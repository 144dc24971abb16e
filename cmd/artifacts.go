package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"imagesearch/internal/artifact"
	"imagesearch/internal/index"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
)

// envCredentials reads static S3 credentials from the standard AWS variables.
func envCredentials(context.Context) (aws.Credentials, error) {
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}, nil
}

func registry() (artifact.FileStore, error) {
	ac := conf.Artifacts
	switch ac.Backend {
	case "s3":
		opts := s3.Options{
			Region:      ac.Region,
			Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(envCredentials)),
		}
		if ac.Endpoint != "" {
			opts.BaseEndpoint = aws.String(ac.Endpoint)
			opts.UsePathStyle = true
		}
		return artifact.NewS3(s3.New(opts), ac.Bucket, ac.Prefix), nil
	default:
		dir := ac.LocalDir
		if dir == "" {
			dir = filepath.Join(conf.Dir, "registry")
		}
		return artifact.NewLocal(filepath.Join(dir, ac.Prefix))
	}
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload the saved index, labels and manifest to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			// refuse to publish artifacts that do not load
			if _, err := openIndex(); err != nil {
				return fmt.Errorf("verify index before push: %w", err)
			}
			fs, err := registry()
			if err != nil {
				return err
			}
			packer := artifact.NewPacker(fs, conf.Artifacts.Archive)
			n, err := packer.Push(ctx, index.ArtifactPaths(conf.Index.StoragePath))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %s (%d bytes)\n", packer.Archive(), n)
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Download index artifacts from the registry next to the storage path",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			fs, err := registry()
			if err != nil {
				return err
			}
			packer := artifact.NewPacker(fs, conf.Artifacts.Archive)
			files, err := packer.Pull(ctx, filepath.Dir(conf.Index.StoragePath))
			if err != nil {
				return err
			}
			idx, err := openIndex()
			if err != nil {
				return fmt.Errorf("verify pulled index: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %d files, index has %d items in %d trees\n", len(files), idx.Len(), idx.Trees())
			return nil
		},
	}
}
