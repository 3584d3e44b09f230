package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// kmsKeyFetcher is the one KMS call we need. An interface so tests can
// verify without AWS credentials.
type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks detached upload signatures against the public half
// of an asymmetric KMS signing key. The key is fetched once and cached;
// verification itself is local.
type KMSVerifier struct {
	client kmsKeyFetcher
	keyARN string

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSVerifier(client *kms.Client, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyARN: keyARN}
}

func (v *KMSVerifier) cached() crypto.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.pubKey
}

// PublicKey returns the verification key, fetching it from KMS on first
// use. A failed fetch is not cached, so a transient KMS error retries on
// the next call.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	if pub := v.cached(); pub != nil {
		return pub, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	pub, err := v.fetch(ctx)
	if err != nil {
		return nil, err
	}
	v.pubKey = pub
	return pub, nil
}

func (v *KMSVerifier) fetch(ctx context.Context) (crypto.PublicKey, error) {
	if v.client == nil {
		return nil, xerrors.New("kms: no client configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(v.keyARN),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch kms public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, want SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	return pub, nil
}

// VerifySignature verifies a detached signature over message. The hash
// follows the key: P-256 and RSA use SHA-256, P-384 uses SHA-384. RSA
// signatures must be PSS.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSASig(key, message, signature)
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil); err != nil {
			return xerrors.Wrap(err, "RSA-PSS verification failed")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}

func verifyECDSASig(key *ecdsa.PublicKey, message, signature []byte) error {
	var digest []byte
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		digest = d[:]
	case elliptic.P384():
		d := sha512.Sum384(message)
		digest = d[:]
	default:
		return xerrors.Newf("unsupported ECDSA curve %s", key.Curve.Params().Name)
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA signature verification failed (curve %s)", key.Curve.Params().Name)
	}
	return nil
}
