// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/tinyddpm/pkg/config"
)

const groupNormEpsilon = 1e-5

// unet builds the noise prediction network: a U-Net conditioned on the timestep and,
// optionally, on the class label.
//
// Images are channels-last, shaped [batch_size, height, width, channels].
type unet struct {
	cfg        *config.ModelConfig
	activation activations.Type

	// Per graph conditioning, set by build.
	timeEmbed, labelsOneHot *Node
}

func newUNet(cfg *config.ModelConfig) *unet {
	return &unet{cfg: cfg, activation: activations.FromName(cfg.Activation)}
}

// build returns the predicted noise for the noisy images x at timesteps t (int32, shaped [batch_size]).
// labels is ignored (and can be nil) if the model doesn't use labels.
//
// It works on a copy of u, so graphs can be built concurrently.
func (u unet) build(ctx *context.Context, x, timesteps, labels *Node) *Node {
	x.AssertRank(4)
	cfg := u.cfg
	dtype := x.DType()

	// Conditioning: the time embedding goes through an MLP, labels are one-hot encoded.
	temb := SinusoidalEmbedding(ConvertDType(timesteps, dtype), cfg.TimeEmbDim)
	temb = layers.Dense(ctx.In("time_mlp_0"), temb, true, 4*cfg.TimeEmbDim)
	temb = activations.Apply(u.activation, temb)
	u.timeEmbed = layers.Dense(ctx.In("time_mlp_1"), temb, true, cfg.TimeEmbDim)
	u.labelsOneHot = nil
	if cfg.UseLabels && labels != nil {
		u.labelsOneHot = OneHot(labels, config.NumLabels, dtype)
	}

	layerNum := 0
	nextCtx := func(name string) *context.Context {
		scopedCtx := ctx.Inf("%03d_%s", layerNum, name)
		layerNum++
		return scopedCtx
	}

	x = conv3x3(nextCtx("init_conv"), x, cfg.BaseChannels, 1)
	skips := []*Node{x}
	numLevels := len(cfg.ChannelMults)
	for level, mult := range cfg.ChannelMults {
		channels := cfg.BaseChannels * mult
		useAttention := slices.Contains(cfg.AttentionResolutions, level)
		for range cfg.NumResBlocks {
			x = u.residualBlock(nextCtx("down"), x, channels, useAttention)
			skips = append(skips, x)
		}
		if level != numLevels-1 {
			x = conv3x3(nextCtx("downsample"), x, channels, 2)
			skips = append(skips, x)
		}
	}

	channels := x.Shape().Dimensions[3]
	x = u.residualBlock(nextCtx("mid"), x, channels, true)
	x = u.residualBlock(nextCtx("mid"), x, channels, false)

	for level := numLevels - 1; level >= 0; level-- {
		channels := cfg.BaseChannels * cfg.ChannelMults[level]
		useAttention := slices.Contains(cfg.AttentionResolutions, level)
		for range cfg.NumResBlocks + 1 {
			var skip *Node
			skip, skips = xslices.Pop(skips)
			x = Concatenate([]*Node{x, skip}, -1)
			x = u.residualBlock(nextCtx("up"), x, channels, useAttention)
		}
		if level != 0 {
			x = upSampleImages(x)
			x = conv3x3(nextCtx("upsample"), x, channels, 1)
		}
	}
	if len(skips) != 0 {
		exceptions.Panicf("U-Net left %d unused skip connections", len(skips))
	}

	x = u.normalize(nextCtx("out_norm"), x)
	x = activations.Apply(u.activation, x)
	x = conv3x3(nextCtx("out_conv").WithInitializer(initializers.Zero), x, config.ImageChannels, 1)
	return x
}

func conv3x3(ctx *context.Context, x *Node, channels, strides int) *Node {
	return layers.Convolution(ctx, x).Filters(channels).KernelSize(3).PadSame().Strides(strides).Done()
}

// residualBlock with time (and label) conditioning, followed optionally by self-attention.
func (u *unet) residualBlock(ctx *context.Context, x *Node, outChannels int, useAttention bool) *Node {
	g := x.Graph()
	inChannels := x.Shape().Dimensions[3]
	residual := x
	if inChannels != outChannels {
		residual = layers.Dense(ctx.In("residual_projection"), x, true, outChannels)
	}

	out := u.normalize(ctx.In("norm_1"), x)
	out = activations.Apply(u.activation, out)
	out = conv3x3(ctx.In("conv_1"), out, outChannels, 1)

	timeBias := layers.Dense(ctx.In("time_bias"), activations.Apply(u.activation, u.timeEmbed), true, outChannels)
	out = Add(out, InsertAxes(timeBias, 1, 1))
	if u.labelsOneHot != nil {
		classBias := layers.Dense(ctx.In("class_bias"), u.labelsOneHot, false, outChannels)
		out = Add(out, InsertAxes(classBias, 1, 1))
	}

	out = u.normalize(ctx.In("norm_2"), out)
	out = activations.Apply(u.activation, out)
	if u.cfg.Dropout > 0 {
		out = layers.Dropout(ctx.In("dropout"), out, Scalar(g, out.DType(), u.cfg.Dropout))
	}
	out = conv3x3(ctx.In("conv_2"), out, outChannels, 1)
	out = Add(out, residual)

	if useAttention {
		out = u.selfAttention(ctx.In("attention"), out)
	}
	return out
}

// selfAttention over the spatial positions, with a residual connection.
func (u *unet) selfAttention(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	seq := Reshape(u.normalize(ctx.In("norm"), x), batchSize, height*width, channels)
	query := layers.Dense(ctx.In("query"), seq, true, channels)
	key := layers.Dense(ctx.In("key"), seq, true, channels)
	value := layers.Dense(ctx.In("value"), seq, true, channels)

	scores := Einsum("bqc,bkc->bqk", query, key)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(channels)))
	weights := Softmax(scores, -1)
	attended := Einsum("bqk,bkc->bqc", weights, value)
	attended = layers.Dense(ctx.In("output"), attended, true, channels)
	return Add(x, Reshape(attended, batchSize, height, width, channels))
}

// normalize applies the configured normalization.
func (u *unet) normalize(ctx *context.Context, x *Node) *Node {
	switch u.cfg.Norm {
	case "gn":
		return GroupNormalization(ctx, x, config.NumGroups)
	case "bn":
		return batchnorm.New(ctx, x, -1).Done()
	case "ln":
		return layers.LayerNormalization(ctx, x, 1, 2).Done()
	default:
		return x
	}
}

// GroupNormalization normalizes x, shaped [batch_size, height, width, channels], over the spatial
// axes and over groups of numGroups consecutive channels, followed by a learned per channel
// gain and offset.
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *Node {
	x.AssertRank(4)
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels%numGroups != 0 {
		exceptions.Panicf("GroupNormalization: %d channels not divisible by %d groups", channels, numGroups)
	}

	grouped := Reshape(x, batchSize, height, width, numGroups, channels/numGroups)
	mean := ReduceAndKeep(grouped, ReduceMean, 1, 2, 4)
	centered := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 1, 2, 4)
	normalized := Mul(centered, Rsqrt(AddScalar(variance, groupNormEpsilon)))
	normalized = Reshape(normalized, batchSize, height, width, channels)

	normShape := shapes.Make(x.DType(), channels)
	gainVar := ctx.WithInitializer(initializers.One).VariableWithShape("gain", normShape)
	offsetVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", normShape)
	gain := Reshape(gainVar.ValueGraph(g), 1, 1, 1, channels)
	offset := Reshape(offsetVar.ValueGraph(g), 1, 1, 1, channels)
	return Add(Mul(normalized, gain), offset)
}

// SinusoidalEmbedding of the timesteps, shaped [batch_size], returning [batch_size, embedDim].
// The first half are sines and the second half cosines of geometrically spaced frequencies.
func SinusoidalEmbedding(timesteps *Node, embedDim int) *Node {
	g := timesteps.Graph()
	halfDim := embedDim / 2
	frequencies := IotaFull(g, shapes.Make(timesteps.DType(), halfDim))
	frequencies = Exp(MulScalar(frequencies, -math.Log(10000)/float64(halfDim)))
	angles := Mul(InsertAxes(timesteps, -1), InsertAxes(frequencies, 0))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// upSampleImages doubles the spatial dimensions by repeating each pixel (nearest neighbor).
func upSampleImages(images *Node) *Node {
	dims := images.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, channels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	return Reshape(upSampled, batchSize, 2*height, 2*width, channels)
}
