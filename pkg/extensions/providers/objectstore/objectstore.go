// Package objectstore provisions S3 object storage for projects: an IAM
// user with scoped access keys plus either one shared bucket per project
// or one bucket per deployment group.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/risedotdev/rise/internal/idgen"
	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/internal/telemetry"
	"github.com/risedotdev/rise/pkg/encryption"
	"github.com/risedotdev/rise/pkg/extensions"
)

// Type tags the rows this provider owns.
const Type = "aws-s3-provisioner"

// Bucket strategies.
const (
	StrategyShared   = "shared"
	StrategyIsolated = "isolated"
)

// States of the provisioning machine. Failed retries through Pending.
const (
	StatePending            = "Pending"
	StateCreatingIamUser    = "CreatingIamUser"
	StateCreatingAccessKeys = "CreatingAccessKeys"
	StateCreatingBuckets    = "CreatingBuckets"
	StateConfiguringBuckets = "ConfiguringBuckets"
	StateAvailable          = "Available"
	StateFailed             = "Failed"
	StateDeleting           = "Deleting"
	StateDeleted            = "Deleted"
)

// Timing for isolated buckets: creation is confirmed by a head-bucket
// poll, and a bucket whose deployment group went away is kept for a
// grace period before removal.
const (
	headBucketPollTimeout   = 5 * time.Minute
	unreferencedGracePeriod = time.Hour
)

// IAMAPI is the slice of the IAM client this provider calls.
type IAMAPI interface {
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	DeleteUser(ctx context.Context, params *iam.DeleteUserInput, optFns ...func(*iam.Options)) (*iam.DeleteUserOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	PutUserPolicy(ctx context.Context, params *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
	DeleteUserPolicy(ctx context.Context, params *iam.DeleteUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteUserPolicyOutput, error)
}

// S3API is the slice of the S3 client this provider calls.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// Spec is the user-declared desired state.
type Spec struct {
	BucketStrategy string `json:"bucket_strategy"`
	Region         string `json:"region,omitempty"`
}

// Status is the provider-owned observed state. Credentials are stored
// encrypted only.
type Status struct {
	State   string         `json:"state"`
	Error   string         `json:"error,omitempty"`
	IamUser *IamUserStatus `json:"iam_user,omitempty"`
	Buckets []BucketStatus `json:"buckets,omitempty"`
}

type IamUserStatus struct {
	UserName                 string `json:"user_name"`
	AccessKeyIDEncrypted     string `json:"access_key_id_encrypted,omitempty"`
	SecretAccessKeyEncrypted string `json:"secret_access_key_encrypted,omitempty"`
}

type BucketStatus struct {
	Name              string     `json:"name"`
	DeploymentGroup   string     `json:"deployment_group,omitempty"`
	UnreferencedSince *time.Time `json:"unreferenced_since,omitempty"`
}

// Provider implements extensions.Provider over real AWS clients.
type Provider struct {
	iam     IAMAPI
	s3      S3API
	enc     encryption.Encryptor
	storage Storage
	logger  *slog.Logger

	headBucketPollInterval time.Duration
}

// Storage is the persistence slice the provider needs.
type Storage interface {
	store.ProjectStore
	store.ExtensionStore
	store.DeploymentStore
}

var _ extensions.Provider = (*Provider)(nil)

func New(iamClient IAMAPI, s3Client S3API, enc encryption.Encryptor, storage Storage, logger *slog.Logger) *Provider {
	return &Provider{
		iam:     iamClient,
		s3:      s3Client,
		enc:     enc,
		storage: storage,
		logger:  logger.With("provider", Type),

		headBucketPollInterval: 2 * time.Second,
	}
}

func (p *Provider) ExtensionType() string { return Type }
func (p *Provider) DisplayName() string   { return "AWS S3 Object Storage" }

func (p *Provider) Description() string {
	return "Provisions S3 buckets with a dedicated IAM user and injects credentials into deployments."
}

func (p *Provider) Documentation() string {
	return "Declare bucket_strategy: shared (one bucket per project) or isolated (one bucket per deployment group, created on demand)."
}

func (p *Provider) SpecSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"bucket_strategy": {"type": "string", "enum": ["shared", "isolated"]},
			"region": {"type": "string"}
		},
		"required": ["bucket_strategy"]
	}`)
}

func (p *Provider) ValidateSpec(raw []byte) error {
	spec, err := parseSpec(raw)
	if err != nil {
		return err
	}
	if spec.BucketStrategy != StrategyShared && spec.BucketStrategy != StrategyIsolated {
		return fmt.Errorf("bucket_strategy must be %q or %q", StrategyShared, StrategyIsolated)
	}
	return nil
}

func (p *Provider) FormatStatus(raw []byte) string {
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil || status.State == "" {
		return StatePending
	}
	if status.State == StateAvailable {
		return fmt.Sprintf("%s (%d buckets)", status.State, len(status.Buckets))
	}
	if status.Error != "" {
		return fmt.Sprintf("%s: %s", status.State, status.Error)
	}
	return status.State
}

func parseSpec(raw []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decoding object storage spec: %w", err)
	}
	return &spec, nil
}

func parseStatus(raw []byte) Status {
	var status Status
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &status)
	}
	if status.State == "" {
		status.State = StatePending
	}
	return status
}

// Reconcile advances the row one state per pass: Pending →
// CreatingIamUser → CreatingAccessKeys → CreatingBuckets →
// ConfiguringBuckets → Available, with Failed retrying through Pending.
func (p *Provider) Reconcile(ctx context.Context, row store.ProjectExtension) (bool, error) {
	project, err := p.storage.GetProject(ctx, row.ProjectID)
	if err != nil {
		return false, fmt.Errorf("loading project: %w", err)
	}

	status := parseStatus(row.Status)
	spec, err := parseSpec(row.Spec)
	if err != nil {
		status.State = StateFailed
		status.Error = err.Error()
		if werr := p.writeStatus(ctx, row, status); werr != nil {
			return false, werr
		}
		return false, err
	}

	from := status.State
	switch status.State {
	case StatePending:
		// The finalizer lands before any external resource exists, so a
		// crash between here and resource creation still blocks project
		// deletion until teardown runs.
		finalizer := idgen.FinalizerName(Type, row.Extension)
		if err := p.storage.AddFinalizer(ctx, project.ID, finalizer); err != nil {
			return false, fmt.Errorf("adding finalizer: %w", err)
		}
		status.State = StateCreatingIamUser
		status.Error = ""

	case StateCreatingIamUser:
		userName := iamUserName(project.Name, row.Extension)
		if err := p.ensureIamUser(ctx, userName); err != nil {
			return p.toFailed(ctx, row, status, err)
		}
		if status.IamUser == nil || status.IamUser.UserName != userName {
			status.IamUser = &IamUserStatus{UserName: userName}
		}
		status.State = StateCreatingAccessKeys

	case StateCreatingAccessKeys:
		if status.IamUser == nil {
			status.State = StateCreatingIamUser
			break
		}
		if status.IamUser.AccessKeyIDEncrypted == "" {
			out, err := p.iam.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
				UserName: aws.String(status.IamUser.UserName),
			})
			if err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("creating access key: %w", err))
			}
			keyID, err := encryption.EncryptString(ctx, p.enc, aws.ToString(out.AccessKey.AccessKeyId))
			if err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("encrypting access key id: %w", err))
			}
			secret, err := encryption.EncryptString(ctx, p.enc, aws.ToString(out.AccessKey.SecretAccessKey))
			if err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("encrypting secret access key: %w", err))
			}
			status.IamUser.AccessKeyIDEncrypted = keyID
			status.IamUser.SecretAccessKeyEncrypted = secret
		}
		status.State = StateCreatingBuckets

	case StateCreatingBuckets:
		if spec.BucketStrategy == StrategyShared {
			name := bucketName(project.Name, row.Extension, "")
			if err := p.ensureBucket(ctx, name, spec.Region); err != nil {
				return p.toFailed(ctx, row, status, err)
			}
			status.Buckets = upsertBucket(status.Buckets, BucketStatus{Name: name})
		}
		// Isolated buckets are created on demand in BeforeDeployment.
		status.State = StateConfiguringBuckets

	case StateConfiguringBuckets:
		if err := p.putBucketPolicy(ctx, project.Name, row.Extension, status); err != nil {
			return p.toFailed(ctx, row, status, err)
		}
		status.State = StateAvailable
		status.Error = ""

	case StateAvailable:
		if spec.BucketStrategy == StrategyIsolated {
			changed, err := p.cleanupUnreferencedBuckets(ctx, project.ID, &status)
			if err != nil {
				return p.toFailed(ctx, row, status, err)
			}
			if changed {
				if err := p.writeStatus(ctx, row, status); err != nil {
					return false, err
				}
			}
		}
		return false, nil

	case StateFailed:
		status.State = StatePending

	default:
		return false, fmt.Errorf("unknown state %q", status.State)
	}

	if err := p.writeStatus(ctx, row, status); err != nil {
		return false, err
	}
	if from != status.State {
		telemetry.ReconcileStateTransitionsTotal.WithLabelValues(Type, from, status.State).Inc()
	}
	return transitional(status.State), nil
}

// ReconcileDeletion tears everything down in one idempotent pass:
// buckets, access keys, user policy, user, then finalizer and row.
func (p *Provider) ReconcileDeletion(ctx context.Context, row store.ProjectExtension) (bool, error) {
	status := parseStatus(row.Status)
	if status.State != StateDeleting {
		from := status.State
		status.State = StateDeleting
		if err := p.writeStatus(ctx, row, status); err != nil {
			return false, err
		}
		telemetry.ReconcileStateTransitionsTotal.WithLabelValues(Type, from, StateDeleting).Inc()
	}

	for _, b := range status.Buckets {
		if err := p.deleteBucket(ctx, b.Name); err != nil {
			return false, err
		}
	}

	if status.IamUser != nil {
		if err := p.deleteIamUser(ctx, status.IamUser.UserName); err != nil {
			return false, err
		}
	}

	// Finalizer removal is idempotent and survives the row already being
	// gone; order matters, the row goes last.
	finalizer := idgen.FinalizerName(Type, row.Extension)
	if err := p.storage.RemoveFinalizer(ctx, row.ProjectID, finalizer); err != nil {
		return false, fmt.Errorf("removing finalizer: %w", err)
	}
	if err := p.storage.HardDeleteExtension(ctx, row.ProjectID, row.Extension); err != nil {
		return false, err
	}

	telemetry.ReconcileStateTransitionsTotal.WithLabelValues(Type, StateDeleting, StateDeleted).Inc()
	p.logger.Info("object storage extension deleted",
		"project_id", row.ProjectID, "extension", row.Extension)
	return true, nil
}

// BeforeDeployment injects the decrypted credentials and bucket name into
// the deployment's env var snapshot; for the isolated strategy it also
// creates the deployment group's bucket on demand.
func (p *Provider) BeforeDeployment(ctx context.Context, deploymentID, projectID, deploymentGroup string) error {
	rows, err := p.storage.ListExtensionsForProject(ctx, projectID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.ExtensionType != Type || row.IsDeleting() {
			continue
		}
		if err := p.injectOne(ctx, row, deploymentID, deploymentGroup); err != nil {
			return fmt.Errorf("extension %q: %w", row.Extension, err)
		}
	}
	return nil
}

func (p *Provider) injectOne(ctx context.Context, row store.ProjectExtension, deploymentID, deploymentGroup string) error {
	status := parseStatus(row.Status)
	if status.State != StateAvailable {
		return fmt.Errorf("object storage is not ready (state %s)", status.State)
	}
	spec, err := parseSpec(row.Spec)
	if err != nil {
		return err
	}
	project, err := p.storage.GetProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}

	bucket := bucketName(project.Name, row.Extension, "")
	if spec.BucketStrategy == StrategyIsolated {
		bucket = bucketName(project.Name, row.Extension, deploymentGroup)
		if err := p.ensureBucketReady(ctx, bucket, spec.Region); err != nil {
			return err
		}
		status.Buckets = upsertBucket(status.Buckets, BucketStatus{Name: bucket, DeploymentGroup: deploymentGroup})
		if err := p.writeStatus(ctx, row, status); err != nil {
			return err
		}
	}

	accessKeyID, err := encryption.DecryptString(ctx, p.enc, status.IamUser.AccessKeyIDEncrypted)
	if err != nil {
		return fmt.Errorf("decrypting access key id: %w", err)
	}
	secretKey, err := encryption.DecryptString(ctx, p.enc, status.IamUser.SecretAccessKeyEncrypted)
	if err != nil {
		return fmt.Errorf("decrypting secret access key: %w", err)
	}

	prefix := envPrefix(row.Extension)
	vars := []struct {
		key    string
		value  string
		secret bool
	}{
		{prefix + "_AWS_ACCESS_KEY_ID", accessKeyID, true},
		{prefix + "_AWS_SECRET_ACCESS_KEY", secretKey, true},
		{prefix + "_S3_BUCKET", bucket, false},
	}
	if spec.Region != "" {
		vars = append(vars, struct {
			key    string
			value  string
			secret bool
		}{prefix + "_AWS_REGION", spec.Region, false})
	}

	for _, v := range vars {
		if err := p.storage.InsertDeploymentEnvVar(ctx, deploymentID, v.key, v.value, v.secret); err != nil {
			return err
		}
	}
	return nil
}

// --- external resource helpers ---

func (p *Provider) ensureIamUser(ctx context.Context, userName string) error {
	_, err := p.iam.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(userName)})
	if err == nil {
		return nil
	}
	var notFound *iamtypes.NoSuchEntityException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("looking up iam user: %w", err)
	}
	if _, err := p.iam.CreateUser(ctx, &iam.CreateUserInput{UserName: aws.String(userName)}); err != nil {
		return fmt.Errorf("creating iam user: %w", err)
	}
	return nil
}

func (p *Provider) deleteIamUser(ctx context.Context, userName string) error {
	keys, err := p.iam.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: aws.String(userName)})
	if err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("listing access keys: %w", err)
	}
	for _, k := range keys.AccessKeyMetadata {
		_, err := p.iam.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
			UserName: aws.String(userName), AccessKeyId: k.AccessKeyId,
		})
		if err != nil {
			return fmt.Errorf("deleting access key: %w", err)
		}
	}

	if _, err := p.iam.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{
		UserName: aws.String(userName), PolicyName: aws.String(policyName(userName)),
	}); err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("deleting user policy: %w", err)
		}
	}

	if _, err := p.iam.DeleteUser(ctx, &iam.DeleteUserInput{UserName: aws.String(userName)}); err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("deleting iam user: %w", err)
		}
	}
	return nil
}

func (p *Provider) ensureBucket(ctx context.Context, name, region string) error {
	_, err := p.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return nil
	}
	if !isBucketMissing(err) {
		return fmt.Errorf("checking bucket %s: %w", name, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := p.s3.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("creating bucket %s: %w", name, err)
	}
	return nil
}

// ensureBucketReady creates the bucket if needed and polls head-bucket
// until it answers, bounding the wait.
func (p *Provider) ensureBucketReady(ctx context.Context, name, region string) error {
	if err := p.ensureBucket(ctx, name, region); err != nil {
		return err
	}

	deadline := time.Now().Add(headBucketPollTimeout)
	for {
		_, err := p.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
		if err == nil {
			return nil
		}
		if !isBucketMissing(err) {
			return fmt.Errorf("waiting for bucket %s: %w", name, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("bucket %s did not become ready in %s", name, headBucketPollTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.headBucketPollInterval):
		}
	}
}

func (p *Provider) deleteBucket(ctx context.Context, name string) error {
	if _, err := p.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
		if isBucketMissing(err) {
			return nil
		}
		return fmt.Errorf("deleting bucket %s: %w", name, err)
	}
	return nil
}

// putBucketPolicy scopes the IAM user to exactly the extension's buckets
// (by prefix, so isolated buckets created later are covered).
func (p *Provider) putBucketPolicy(ctx context.Context, projectName, extensionName string, status Status) error {
	if status.IamUser == nil {
		return fmt.Errorf("no iam user to attach policy to")
	}
	prefix := bucketName(projectName, extensionName, "")
	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Action": "s3:*",
			"Resource": ["arn:aws:s3:::%[1]s", "arn:aws:s3:::%[1]s/*", "arn:aws:s3:::%[1]s-*", "arn:aws:s3:::%[1]s-*/*"]
		}]
	}`, prefix)

	_, err := p.iam.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
		UserName:       aws.String(status.IamUser.UserName),
		PolicyName:     aws.String(policyName(status.IamUser.UserName)),
		PolicyDocument: aws.String(policy),
	})
	if err != nil {
		return fmt.Errorf("attaching bucket policy: %w", err)
	}
	return nil
}

// cleanupUnreferencedBuckets deletes isolated buckets whose deployment
// group has had no active deployment for the grace period.
func (p *Provider) cleanupUnreferencedBuckets(ctx context.Context, projectID string, status *Status) (bool, error) {
	active, err := p.storage.ListActiveDeploymentGroups(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("listing active deployment groups: %w", err)
	}
	activeSet := make(map[string]bool, len(active))
	for _, g := range active {
		activeSet[g] = true
	}

	now := time.Now()
	changed := false
	kept := status.Buckets[:0]
	for _, b := range status.Buckets {
		if b.DeploymentGroup == "" || activeSet[b.DeploymentGroup] {
			if b.UnreferencedSince != nil {
				b.UnreferencedSince = nil
				changed = true
			}
			kept = append(kept, b)
			continue
		}
		if b.UnreferencedSince == nil {
			t := now
			b.UnreferencedSince = &t
			changed = true
			kept = append(kept, b)
			continue
		}
		if now.Sub(*b.UnreferencedSince) < unreferencedGracePeriod {
			kept = append(kept, b)
			continue
		}
		if err := p.deleteBucket(ctx, b.Name); err != nil {
			return changed, err
		}
		p.logger.Info("removed unreferenced isolated bucket",
			"bucket", b.Name, "deployment_group", b.DeploymentGroup)
		changed = true
	}
	status.Buckets = kept
	return changed, nil
}

func (p *Provider) toFailed(ctx context.Context, row store.ProjectExtension, status Status, cause error) (bool, error) {
	from := status.State
	status.State = StateFailed
	status.Error = cause.Error()
	if err := p.writeStatus(ctx, row, status); err != nil {
		return false, err
	}
	telemetry.ReconcileStateTransitionsTotal.WithLabelValues(Type, from, StateFailed).Inc()
	return false, cause
}

func (p *Provider) writeStatus(ctx context.Context, row store.ProjectExtension, status Status) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	return p.storage.UpdateExtensionStatus(ctx, row.ProjectID, row.Extension, raw)
}

// upsertBucket replaces the entry with the same name or appends,
// resetting any unreferenced stamp the replacement carries.
func upsertBucket(buckets []BucketStatus, b BucketStatus) []BucketStatus {
	for i, existing := range buckets {
		if existing.Name == b.Name {
			buckets[i] = b
			return buckets
		}
	}
	return append(buckets, b)
}

func transitional(state string) bool {
	switch state {
	case StateAvailable, StateDeleted:
		return false
	}
	return true
}

// isBucketMissing matches the SDK's 404 shapes for head/delete.
func isBucketMissing(err error) bool {
	var notFound *s3types.NotFound
	var noBucket *s3types.NoSuchBucket
	return errors.As(err, &notFound) || errors.As(err, &noBucket)
}

func iamUserName(projectName, extensionName string) string {
	return sanitizeName("rise-" + projectName + "-" + extensionName)
}

func policyName(userName string) string {
	return userName + "-buckets"
}

func bucketName(projectName, extensionName, deploymentGroup string) string {
	name := "rise-" + projectName + "-" + extensionName
	if deploymentGroup != "" {
		name += "-" + deploymentGroup
	}
	return sanitizeName(name)
}

// sanitizeName maps arbitrary identifiers into the S3/IAM-safe alphabet.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// envPrefix maps an extension name to the env var prefix its injected
// variables share.
func envPrefix(extensionName string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(extensionName) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
