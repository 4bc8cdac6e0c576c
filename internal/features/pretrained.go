package features

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"strings"
)

// LoadPretrained loads the feature network weights from a GoMLX checkpoint directory into ctx.
//
// The checkpoint must hold the variables under the Scope used by the extractor (e.g.
// "/vgg19/conv1_1/weights" with shape [3, 3, 3, 64]), otherwise an error is returned. If dir is
// empty, nothing is loaded, and the extractor will use randomly initialized (but still frozen)
// weights.
//
// Hyperparameters stored in the checkpoint, if any, are also loaded: apply the user configuration
// afterward.
func LoadPretrained(ctx *context.Context, dir string) error {
	if dir == "" {
		klog.Warningf("No pretrained weights given for the feature network, using random frozen weights")
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "pretrained feature network weights not found in %q", dir)
	}
	if !info.IsDir() {
		return errors.Errorf("pretrained feature network weights %q must be a GoMLX checkpoint directory", dir)
	}
	_, err = checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load pretrained feature network weights from %q", dir)
	}
	numVars := len(ScopeVariables(ctx))
	if numVars == 0 {
		return errors.Errorf("checkpoint in %q has no feature network variables (under scope %q)", dir, "/"+Scope)
	}
	klog.V(1).Infof("Loaded %d pretrained feature network variables from %q", numVars, dir)
	return nil
}

// ScopeVariables returns the variables in ctx under the feature network Scope.
func ScopeVariables(ctx *context.Context) []*context.Variable {
	scopePrefix := context.RootScope + Scope
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		scope := v.Scope()
		if scope == scopePrefix || strings.HasPrefix(scope, scopePrefix+context.ScopeSeparator) {
			vars = append(vars, v)
		}
	})
	return vars
}
