// Package mcpserver exposes the execution engine as Model Context Protocol
// tools using mark3labs/mcp-go.
//
// Tools:
//
//	execute_python_code    {code, execution_id?}
//	cancel_execution       {execution_id}
//	list_allowed_packages  {}
//
// Results are JSON text content. Failed runs (timeouts, rejected code) are
// ordinary results with success=false; only invalid arguments produce a tool
// error. The server runs over stdio or streamable HTTP as configured.
package mcpserver
