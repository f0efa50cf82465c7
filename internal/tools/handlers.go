package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gamegenie/genie-bridge/internal/imagegen"
	"github.com/gamegenie/genie-bridge/internal/protocol"
)

const strategyPrompt = `You are a Unity developer. Use the tools provided to you to complete the task.

Start by calling get_scene_context to learn what the open scene contains.
Make scene changes with execute_unity_code. Add new MonoBehaviours with
add_script_to_project, which waits until Unity has recompiled the project.
Keep each code snippet small; long-running editor code may time out.`

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool("get_scene_context",
		mcp.WithDescription("Extract the current Unity scene context including hierarchy, selected objects, and settings."),
	), s.getSceneContext)

	s.addTool(mcp.NewTool("execute_unity_code",
		mcp.WithDescription("Execute C# code in the Unity editor to modify the scene."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("The C# code to execute in the Unity editor"),
		),
	), s.executeCode)

	s.addTool(mcp.NewTool("add_script_to_project",
		mcp.WithDescription("Add a C# script to the Unity project and wait for the editor to finish recompiling."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Project-relative path of the script, e.g. Assets/Scripts/Player.cs"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Full C# source of the script"),
		),
	), s.addScript)

	if s.images != nil {
		s.addTool(mcp.NewTool("generate_image",
			mcp.WithDescription("Generate an image asset from a text prompt."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("What the image should show"),
			),
			mcp.WithString("negative_prompt",
				mcp.Description("What the image should avoid"),
			),
			mcp.WithString("style",
				mcp.Description("Image style; defaults to the configured style"),
			),
		), s.generateImage)
	}
}

func (s *Server) getSceneContext(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("extracting scene context")

	res := s.exec.Execute(ctx, string(protocol.CommandGetSceneContext), nil)
	if !res.OK() {
		s.logger.Error("error extracting scene context", "outcome", res.Outcome, "error", res.Err)
		return mcp.NewToolResultError("Error extracting scene context: " + res.Text()), nil
	}
	return mcp.NewToolResultText("Scene context extracted successfully: " + res.Text()), nil
}

func (s *Server) executeCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("executing code in editor", "length", len(code))

	res := s.exec.Execute(ctx, string(protocol.CommandExecuteCode), map[string]any{"code": code})
	if !res.OK() {
		s.logger.Error("error executing code", "outcome", res.Outcome, "error", res.Err)
		return mcp.NewToolResultError("Error executing code: " + res.Text()), nil
	}
	return mcp.NewToolResultText("Code executed successfully: " + res.Text()), nil
}

func (s *Server) addScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("adding script to project", "path", path, "length", len(content))

	res := s.exec.ExecuteWithFollowUp(ctx, string(protocol.CommandAddScript),
		map[string]any{"path": path, "content": content},
		protocol.EventScriptsReloaded,
	)
	if !res.OK() {
		s.logger.Error("error adding script", "path", path, "outcome", res.Outcome, "error", res.Err)
		return mcp.NewToolResultError("Error adding script: " + res.Text()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Script %s added and scripts reloaded: %s", path, res.Text())), nil
}

func (s *Server) generateImage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	gen, err := s.images.Generate(ctx, imagegen.Request{
		Prompt:         prompt,
		NegativePrompt: request.GetString("negative_prompt", ""),
		Style:          request.GetString("style", ""),
	})
	if err != nil {
		s.logger.Error("error generating image", "error", err)
		return mcp.NewToolResultError("Error generating image: " + err.Error()), nil
	}

	if loc := gen.Location(); loc != "" {
		return mcp.NewToolResultText("Image generated successfully: " + loc), nil
	}
	return mcp.NewToolResultText("Image generated successfully: " + string(gen.Raw)), nil
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource("websocket://connection", "connection",
		mcp.WithResourceDescription("Connection details for the Unity editor peer"),
		mcp.WithMIMEType("application/json"),
	), s.connectionResource)
}

func (s *Server) connectionResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(s.status())
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("unity_developer_strategy",
		mcp.WithPromptDescription("Strategy for completing a task in the Unity editor with the available tools"),
	), s.strategy)
}

func (s *Server) strategy(_ context.Context, _ mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return mcp.NewGetPromptResult(
		"Unity developer strategy",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(strategyPrompt)),
		},
	), nil
}
