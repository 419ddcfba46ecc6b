package demo

var createUserSchema = []byte(`{
  "type": "object",
  "properties": {
    "user_id": {
      "type": "string",
      "description": "Unique identifier for the user",
      "minLength": 1
    },
    "name": {
      "type": "string",
      "description": "Display name for the user",
      "minLength": 1
    }
  },
  "required": ["user_id", "name"],
  "additionalProperties": false
}`)

var getUserSchema = []byte(`{
  "type": "object",
  "properties": {
    "user_id": {
      "type": "string",
      "description": "Unique identifier for the user to retrieve",
      "minLength": 1
    }
  },
  "required": ["user_id"],
  "additionalProperties": false
}`)

var chatSchema = []byte(`{
  "type": "object",
  "properties": {
    "message": {
      "type": "string",
      "description": "User message to respond to",
      "minLength": 1
    },
    "maxTokens": {
      "type": "integer",
      "description": "Maximum number of tokens to generate",
      "minimum": 1
    },
    "temperature": {
      "type": "number",
      "description": "Sampling temperature",
      "minimum": 0,
      "maximum": 2
    },
    "stream": {
      "type": "boolean",
      "description": "Stream the reply through stream notifications"
    }
  },
  "required": ["message"],
  "additionalProperties": false
}`)
