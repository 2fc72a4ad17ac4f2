//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package model defines the contract of the language model backend.
package model

import "context"

// Model is the interface for all language models.
//
// Errors come in two layers. GenerateContent returns an error when the
// request cannot be sent at all (nil request, bad parameters). Failures the
// service reports after communication started arrive as Response.Error on
// the channel:
//
//	ch, err := m.GenerateContent(ctx, req)
//	if err != nil {
//	    return fmt.Errorf("generate content: %w", err)
//	}
//	for rsp := range ch {
//	    if rsp.Error != nil {
//	        return fmt.Errorf("api error: %s", rsp.Error.Message)
//	    }
//	    // ...
//	}
type Model interface {
	// GenerateContent generates content from the given request. The channel
	// is closed after the final response.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)

	// Info returns basic information about the model.
	Info() Info
}

// Info contains basic information about a Model.
type Info struct {
	Name string
}
