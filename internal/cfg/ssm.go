package cfg

import (
	"context"
	"flag"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// ssmAPI is the slice of the SSM client FillFromSSM uses.
type ssmAPI interface {
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// FillFromSSM sets any flag not already set (via CLI or env) from AWS SSM
// Parameter Store. Parameter {prefix}/foo-bar maps to flag "foo-bar".
// Precedence: cli flag > env var > SSM parameter > default.
func FillFromSSM(ctx context.Context, client ssmAPI, fs *flag.FlagSet, prefix string, logf func(string, ...any)) error {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	prefix = "/" + strings.Trim(prefix, "/")

	params := make(map[string]string)
	var next *string
	for {
		out, err := client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(prefix),
			WithDecryption: aws.Bool(true),
			NextToken:      next,
		})
		if err != nil {
			return xerrors.Wrapf(err, "get SSM parameters under %s", prefix)
		}
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			params[path.Base(*p.Name)] = *p.Value
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	filled := alreadySet(fs)
	fs.VisitAll(func(f *flag.Flag) {
		val, ok := params[f.Name]
		if !ok {
			return
		}
		if filled[f.Name] {
			logf("flag -%s: existing value %q overrides SSM %s/%s", f.Name, f.Value.String(), prefix, f.Name)
			return
		}
		if err := trySet(fs, f.Name, val); err != nil {
			logf("flag -%s: ignoring invalid SSM %s/%s=%q: %v", f.Name, prefix, f.Name, val, err)
		}
	})
	return nil
}
